package materialize

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/lmfetch/internal/utils"
)

type Options struct {
	// Decompress decodes src as a zstd stream.
	Decompress bool
	// ExpectedSHA256 is compared against the hash of the output; empty skips the check.
	ExpectedSHA256 string
	// TempPath receives the output until it is verified. Defaults to dest + ".tmp".
	TempPath     string
	BufferSize   int
	BeforeVerify func()
}

type Result struct {
	Bytes  int64
	SHA256 string
}

// Materialize streams src (optionally zstd-decoded) into a temp file while
// hashing the same bytes, verifies the hash and renames the temp file onto
// dest. On any failure the temp file is removed and dest is left untouched.
func Materialize(src io.Reader, dest string, opts Options) (*Result, error) {
	if opts.TempPath == "" {
		opts.TempPath = dest + utils.TempSuffix
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = utils.DefaultBufferSize
	}
	res, err := writeVerified(src, dest, opts)
	if err != nil {
		os.Remove(opts.TempPath)
		return nil, err
	}
	if err := os.Rename(opts.TempPath, dest); err != nil {
		os.Remove(opts.TempPath)
		return nil, &utils.PersistenceError{Op: "renaming (finalizing)", Path: dest, Err: err}
	}
	return res, nil
}

func writeVerified(src io.Reader, dest string, opts Options) (*Result, error) {
	reader := bufio.NewReaderSize(src, opts.BufferSize)
	var stream io.Reader = reader
	if opts.Decompress {
		decoder, err := zstd.NewReader(reader, zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil, fmt.Errorf("error initializing zstd decoder: %w", err)
		}
		defer decoder.Close()
		stream = decoder
	}

	outFile, err := os.OpenFile(opts.TempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, &utils.PersistenceError{Op: "creating", Path: opts.TempPath, Err: err}
	}
	defer outFile.Close()
	writer := bufio.NewWriterSize(outFile, opts.BufferSize)
	hasher := sha256.New()
	sink := io.MultiWriter(writer, hasher)

	buffer := make([]byte, opts.BufferSize)
	var total, lastLogged int64
	for {
		bytesRead, readErr := stream.Read(buffer)
		if bytesRead > 0 {
			if _, err := sink.Write(buffer[:bytesRead]); err != nil {
				return nil, &utils.PersistenceError{Op: "writing", Path: opts.TempPath, Err: err}
			}
			total += int64(bytesRead)
			if total-lastLogged >= 500*1024*1024 {
				lastLogged = total
				log.Info().Str("op", "materialize").Msgf("Decompressed: %s", humanize.IBytes(uint64(total)))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, classifyReadErr(readErr, opts.Decompress)
		}
	}
	if err := writer.Flush(); err != nil {
		return nil, &utils.PersistenceError{Op: "flushing", Path: opts.TempPath, Err: err}
	}
	if err := outFile.Sync(); err != nil {
		return nil, &utils.PersistenceError{Op: "syncing", Path: opts.TempPath, Err: err}
	}
	if err := outFile.Close(); err != nil {
		return nil, &utils.PersistenceError{Op: "closing", Path: opts.TempPath, Err: err}
	}

	actual := hex.EncodeToString(hasher.Sum(nil))
	log.Info().Str("op", "materialize").Msgf("Output size: %s, SHA256: %s", humanize.IBytes(uint64(total)), actual)
	if opts.BeforeVerify != nil {
		opts.BeforeVerify()
	}
	if opts.ExpectedSHA256 != "" {
		if !strings.EqualFold(actual, strings.TrimSpace(opts.ExpectedSHA256)) {
			return nil, &utils.IntegrityError{Path: dest, Expected: opts.ExpectedSHA256, Actual: actual}
		}
		log.Info().Str("op", "materialize").Msg("Checksum verified OK")
	}
	return &Result{Bytes: total, SHA256: actual}, nil
}

func classifyReadErr(err error, decompressing bool) error {
	var te *utils.TransportError
	var pe *utils.PersistenceError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return &utils.PersistenceError{Op: "reading", Path: pathErr.Path, Err: err}
	}
	if decompressing {
		return fmt.Errorf("error decompressing stream: %w", err)
	}
	return fmt.Errorf("error reading source stream: %w", err)
}
