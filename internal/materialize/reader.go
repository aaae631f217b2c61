package materialize

import (
	"io"
	"os"
)

// SequentialReader reads a list of files as one stream. The next file is
// opened only when the current one is exhausted; seeking is not supported.
type SequentialReader struct {
	paths   []string
	idx     int
	current *os.File
}

func NewSequentialReader(paths []string) *SequentialReader {
	return &SequentialReader{paths: paths}
}

func (r *SequentialReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.idx >= len(r.paths) {
				return 0, io.EOF
			}
			f, err := os.Open(r.paths[r.idx])
			if err != nil {
				return 0, err
			}
			r.current = f
		}
		n, err := r.current.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		// current file exhausted
		r.current.Close()
		r.current = nil
		r.idx++
	}
}

func (r *SequentialReader) Close() error {
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	r.idx = len(r.paths)
	return err
}
