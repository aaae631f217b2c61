package utils

import (
	"errors"
	"fmt"
)

// ErrCapabilityMismatch marks a missing server feature. It selects a fallback
// tier and is never returned to callers of the orchestrator.
var ErrCapabilityMismatch = errors.New("server lacks required capability")

var (
	ErrRangeRequestsNotSupported = fmt.Errorf("%w: range requests are not supported", ErrCapabilityMismatch)
	ErrCompressedUnavailable     = fmt.Errorf("%w: compressed variant not available", ErrCapabilityMismatch)
)

// Outcome sentinels produced by Downloader.ValidateJob.
var (
	ErrAlreadyPresent   = errors.New("asset already present")
	ErrDownloadDisabled = errors.New("asset missing and download disabled")
)

var ErrIncompleteChunks = errors.New("not all chunks completed")

// TransportError covers network failures and unexpected status codes.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status code %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IntegrityError reports a computed hash that differs from the expected one.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// PersistenceError wraps local I/O failures on descriptors, chunk files and outputs.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("error %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
