package utils

import (
	"context"
	"io"
)

type Downloader interface {
	Download(ctx context.Context, job *AssetJob) error
	BuildJob(ctx context.Context, job *AssetJob) error
	ValidateJob(ctx context.Context, job *AssetJob) error
}

// ObjectInfo is what a capability probe learns about one remote object.
type ObjectInfo struct {
	Exists        bool
	Size          int64
	AcceptsRanges bool
}

// ObjectSource is the remote store holding an asset and its sidecars.
// Names are relative to the source's base location.
type ObjectSource interface {
	Stat(ctx context.Context, name string) (ObjectInfo, error)
	// ReadRange returns the inclusive byte range [start, end] of name.
	ReadRange(ctx context.Context, name string, start, end int64) (io.ReadCloser, error)
	// Open returns the whole object and its length (-1 when unknown).
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Location(name string) string
}

type Strategy string

const (
	StrategyChunked          Strategy = "chunked"
	StrategySingleCompressed Strategy = "single-compressed"
	StrategySinglePlain      Strategy = "single-plain"
)

type JobState int

const (
	StateNotStarted JobState = iota
	StateProbing
	StateChunked
	StateSingleConnectionCompressed
	StateSingleConnectionPlain
	StateAssembling
	StateVerifying
	StateFinalized
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateProbing:
		return "probing"
	case StateChunked:
		return "chunked"
	case StateSingleConnectionCompressed:
		return "single-connection-compressed"
	case StateSingleConnectionPlain:
		return "single-connection-plain"
	case StateAssembling:
		return "assembling"
	case StateVerifying:
		return "verifying"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type AssetJob struct {
	ID           string
	Lang         string
	FileName     string
	OutputPath   string
	AutoDownload bool
	Connections  int
	ChunkSize    int64
	BatchSize    int
	Retries      int
	VerifyParts  bool
	ProgressFunc func(downloaded, total int64)
	StateFunc    func(state JobState)
	Metadata     map[string]any
	State        JobState
}

// SetState records a state transition and notifies StateFunc.
func (j *AssetJob) SetState(state JobState) {
	j.State = state
	if j.StateFunc != nil {
		j.StateFunc(state)
	}
}

type BatchEntry struct {
	Lang    string `yaml:"lang"`
	DataDir string `yaml:"data_dir,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}
