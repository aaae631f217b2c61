package lmhttp

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/lmfetch/internal/utils"
)

// Downloader drives one asset job against an HTTP or S3 object source.
type Downloader struct {
	source utils.ObjectSource
}

func NewDownloader(source utils.ObjectSource) *Downloader {
	return &Downloader{source: source}
}

func (d *Downloader) ValidateJob(ctx context.Context, job *utils.AssetJob) error {
	if job.OutputPath == "" {
		return fmt.Errorf("no output path for %s", job.FileName)
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}
	exists, err := utils.FileExists(job.OutputPath)
	if err != nil {
		return &utils.PersistenceError{Op: "checking", Path: job.OutputPath, Err: err}
	}
	if exists {
		log.Debug().Str("op", "http/initial").Msgf("%s already present", job.OutputPath)
		return utils.ErrAlreadyPresent
	}
	if !job.AutoDownload {
		log.Debug().Str("op", "http/initial").Msgf("%s not found, auto-download disabled", job.OutputPath)
		return utils.ErrDownloadDisabled
	}
	if job.Connections <= 0 {
		job.Connections = utils.DefaultConnections
	}
	if job.ChunkSize <= 0 {
		job.ChunkSize = utils.DefaultChunkSize
	}
	return nil
}

// BuildJob probes the source and picks a download strategy.
func (d *Downloader) BuildJob(ctx context.Context, job *utils.AssetJob) error {
	job.SetState(utils.StateProbing)
	compressedName := job.FileName + utils.CompressedSuffix
	info, err := d.source.Stat(ctx, compressedName)
	if err != nil {
		return fmt.Errorf("error probing %s: %w", d.source.Location(compressedName), err)
	}
	job.Metadata["expectedSHA256"] = d.fetchExpectedSHA256(ctx, job.FileName+utils.ChecksumSuffix)

	switch {
	case !info.Exists:
		log.Info().Str("op", "http/initial").Err(utils.ErrCompressedUnavailable).Msg("Using uncompressed download")
		job.Metadata["strategy"] = utils.StrategySinglePlain
	case !info.AcceptsRanges || info.Size <= 0:
		log.Warn().Str("op", "http/initial").Err(utils.ErrRangeRequestsNotSupported).Msg("Falling back to single connection")
		job.Metadata["strategy"] = utils.StrategySingleCompressed
	default:
		log.Info().Str("op", "http/initial").Msgf("Compressed size: %s (%d parallel connections)", humanize.IBytes(uint64(info.Size)), job.Connections)
		job.Metadata["strategy"] = utils.StrategyChunked
		job.Metadata["compressedSize"] = info.Size
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0755); err != nil {
		return &utils.PersistenceError{Op: "creating", Path: filepath.Dir(job.OutputPath), Err: err}
	}
	return nil
}

// fetchExpectedSHA256 reads the first token of a sidecar checksum. Any
// failure yields "" and verification is skipped.
func (d *Downloader) fetchExpectedSHA256(ctx context.Context, name string) string {
	body, _, err := d.source.Open(ctx, name)
	if err != nil {
		log.Warn().Str("op", "http/initial").Err(err).Msg("Could not fetch checksum, skipping verification")
		return ""
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		log.Warn().Str("op", "http/initial").Err(err).Msg("Could not read checksum, skipping verification")
		return ""
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		log.Warn().Str("op", "http/initial").Msg("Empty checksum file, skipping verification")
		return ""
	}
	return strings.ToLower(fields[0])
}

func jobStrategy(job *utils.AssetJob) utils.Strategy {
	strategy, _ := job.Metadata["strategy"].(utils.Strategy)
	return strategy
}

func expectedSHA256(job *utils.AssetJob) string {
	expected, _ := job.Metadata["expectedSHA256"].(string)
	return expected
}
