package lmhttp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tanq16/lmfetch/internal/utils"
)

// downloadSingleChunk fetches the inclusive range [start, end] of name into
// chunkPath and returns the SHA-256 of the bytes written. It never retries
// and touches no shared state besides the onBytes callback.
func downloadSingleChunk(ctx context.Context, source utils.ObjectSource, name string, start, end int64, chunkPath string, onBytes func(int64)) (string, error) {
	expected := end - start + 1
	body, err := source.ReadRange(ctx, name, start, end)
	if err != nil {
		return "", err
	}
	defer body.Close()

	chunkFile, err := os.OpenFile(chunkPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", &utils.PersistenceError{Op: "creating", Path: chunkPath, Err: err}
	}
	defer chunkFile.Close()

	hasher := sha256.New()
	// one byte past the expected length exposes servers that ignore the range
	limited := io.LimitReader(body, expected+1)
	buffer := make([]byte, utils.DefaultBufferSize)
	written := int64(0)
	for {
		bytesRead, readErr := limited.Read(buffer)
		if bytesRead > 0 {
			if _, writeErr := chunkFile.Write(buffer[:bytesRead]); writeErr != nil {
				return "", &utils.PersistenceError{Op: "writing", Path: chunkPath, Err: writeErr}
			}
			hasher.Write(buffer[:bytesRead])
			written += int64(bytesRead)
			if onBytes != nil {
				onBytes(int64(bytesRead))
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if errors.Is(readErr, context.Canceled) {
				return "", readErr
			}
			return "", &utils.TransportError{Op: "reading", URL: source.Location(name), Err: readErr}
		}
	}
	if written != expected {
		return "", &utils.TransportError{
			Op:  "reading",
			URL: source.Location(name),
			Err: fmt.Errorf("size mismatch for bytes %d-%d: expected %d bytes, got %d", start, end, expected, written),
		}
	}
	if err := chunkFile.Sync(); err != nil {
		return "", &utils.PersistenceError{Op: "syncing", Path: chunkPath, Err: err}
	}
	if err := chunkFile.Close(); err != nil {
		return "", &utils.PersistenceError{Op: "closing", Path: chunkPath, Err: err}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// hashFile returns the hex SHA-256 and size of a file on disk.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	hasher := sha256.New()
	n, err := io.CopyBuffer(hasher, f, make([]byte, utils.DefaultBufferSize))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
