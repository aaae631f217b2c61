package publish

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	s3source "github.com/tanq16/lmfetch/internal/downloaders/s3"
	"github.com/tanq16/lmfetch/internal/utils"
)

type Options struct {
	Level   zstd.EncoderLevel
	KeepRaw bool // also stage the uncompressed object for the plain fallback
}

// Artifacts are the files a source must serve for one asset.
type Artifacts struct {
	Name           string
	Compressed     string
	Checksum       string
	Raw            string
	SHA256         string
	Size           int64
	CompressedSize int64
}

// Prepare compresses src into outDir and writes the checksum sidecar. The
// hash covers the uncompressed bytes, which is what downloads verify.
func Prepare(src, outDir string, opts Options) (*Artifacts, error) {
	if opts.Level == 0 {
		opts.Level = zstd.SpeedDefault
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, &utils.PersistenceError{Op: "creating", Path: outDir, Err: err}
	}
	name := filepath.Base(src)
	art := &Artifacts{
		Name:       name,
		Compressed: filepath.Join(outDir, name+utils.CompressedSuffix),
		Checksum:   filepath.Join(outDir, name+utils.ChecksumSuffix),
	}
	if opts.KeepRaw {
		art.Raw = filepath.Join(outDir, name)
		if same, _ := sameFile(src, art.Raw); same {
			return nil, fmt.Errorf("output directory %s holds the source file", outDir)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return nil, &utils.PersistenceError{Op: "opening", Path: src, Err: err}
	}
	defer in.Close()

	if err := art.writeCompressed(in, opts); err != nil {
		return nil, err
	}
	info, err := os.Stat(art.Compressed)
	if err != nil {
		return nil, &utils.PersistenceError{Op: "checking", Path: art.Compressed, Err: err}
	}
	art.CompressedSize = info.Size()

	line := fmt.Sprintf("%s  %s\n", art.SHA256, name)
	if err := writeAtomic(art.Checksum, func(w io.Writer) error {
		_, err := io.WriteString(w, line)
		return err
	}); err != nil {
		return nil, err
	}
	log.Info().Str("op", "publish/prepare").Msgf("%s: %s -> %s, SHA256 %s", name,
		humanize.IBytes(uint64(art.Size)), humanize.IBytes(uint64(art.CompressedSize)), art.SHA256)
	return art, nil
}

func (a *Artifacts) writeCompressed(in io.Reader, opts Options) error {
	hasher := sha256.New()
	var raw *os.File
	if a.Raw != "" {
		var err error
		raw, err = os.Create(a.Raw + utils.TempSuffix)
		if err != nil {
			return &utils.PersistenceError{Op: "creating", Path: a.Raw, Err: err}
		}
		defer func() {
			raw.Close()
			os.Remove(a.Raw + utils.TempSuffix)
		}()
	}

	err := writeAtomic(a.Compressed, func(w io.Writer) error {
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(opts.Level))
		if err != nil {
			return fmt.Errorf("error initializing zstd encoder: %w", err)
		}
		sinks := []io.Writer{enc, hasher}
		if raw != nil {
			sinks = append(sinks, raw)
		}
		n, err := io.CopyBuffer(io.MultiWriter(sinks...), in, make([]byte, utils.DefaultBufferSize))
		if err != nil {
			enc.Close()
			return fmt.Errorf("error compressing: %w", err)
		}
		a.Size = n
		return enc.Close()
	})
	if err != nil {
		return err
	}
	a.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	if raw != nil {
		if err := raw.Close(); err != nil {
			return &utils.PersistenceError{Op: "closing", Path: a.Raw, Err: err}
		}
		if err := os.Rename(a.Raw+utils.TempSuffix, a.Raw); err != nil {
			return &utils.PersistenceError{Op: "renaming", Path: a.Raw, Err: err}
		}
	}
	return nil
}

// writeAtomic fills path through a temp file and renames it into place.
func writeAtomic(path string, fill func(io.Writer) error) error {
	tmp := path + utils.TempSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return &utils.PersistenceError{Op: "creating", Path: tmp, Err: err}
	}
	defer os.Remove(tmp)
	defer f.Close()
	w := bufio.NewWriterSize(f, utils.DefaultBufferSize)
	if err := fill(w); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return &utils.PersistenceError{Op: "writing", Path: tmp, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &utils.PersistenceError{Op: "syncing", Path: tmp, Err: err}
	}
	if err := f.Close(); err != nil {
		return &utils.PersistenceError{Op: "closing", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &utils.PersistenceError{Op: "renaming", Path: path, Err: err}
	}
	return nil
}

func sameFile(a, b string) (bool, error) {
	ia, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ia, ib), nil
}

// Uploader is satisfied by *manager.Uploader.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

func NewUploader(client *s3.Client) *manager.Uploader {
	return manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 4 * utils.DefaultChunkSize
		u.Concurrency = 4
	})
}

// Upload pushes the artifacts below s3URL. The compressed object goes last
// so a reader never sees it without its checksum.
func Upload(ctx context.Context, uploader Uploader, art *Artifacts, s3URL string) error {
	bucket, prefix, err := s3source.ParseURL(s3URL)
	if err != nil {
		return err
	}
	files := []string{art.Checksum}
	if art.Raw != "" {
		files = append(files, art.Raw)
	}
	files = append(files, art.Compressed)
	for _, file := range files {
		key := path.Join(prefix, filepath.Base(file))
		if err := uploadFile(ctx, uploader, bucket, key, file); err != nil {
			return err
		}
		log.Info().Str("op", "publish/upload").Msgf("Uploaded s3://%s/%s", bucket, key)
	}
	return nil
}

func uploadFile(ctx context.Context, uploader Uploader, bucket, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return &utils.PersistenceError{Op: "opening", Path: file, Err: err}
	}
	defer f.Close()
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return &utils.TransportError{Op: "PutObject", URL: fmt.Sprintf("s3://%s/%s", bucket, key), Err: err}
	}
	return nil
}
