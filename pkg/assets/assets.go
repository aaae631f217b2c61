// Package assets is the entry point for consumers that need a language's
// n-gram data on local disk.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/lmfetch/internal/config"
	lmhttp "github.com/tanq16/lmfetch/internal/downloaders/http"
	"github.com/tanq16/lmfetch/internal/downloaders/s3"
	"github.com/tanq16/lmfetch/internal/progress"
	"github.com/tanq16/lmfetch/internal/utils"
)

type Outcome int

const (
	Available Outcome = iota
	UnavailableByPolicy
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Available:
		return "available"
	case UnavailableByPolicy:
		return "unavailable (download disabled)"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Manager struct {
	cfg      *config.Config
	progress func(lang string, downloaded, total int64)
	state    func(lang string, state utils.JobState)

	src *sourceCache
}

// sourceCache is shared by a manager and everything derived from it.
type sourceCache struct {
	once   sync.Once
	source utils.ObjectSource
	err    error
}

type Option func(*Manager)

func WithProgress(fn func(lang string, downloaded, total int64)) Option {
	return func(m *Manager) { m.progress = fn }
}

func WithStateFunc(fn func(lang string, state utils.JobState)) Option {
	return func(m *Manager) { m.state = fn }
}

// WithSource replaces the source derived from the configured base URL.
func WithSource(source utils.ObjectSource) Option {
	return func(m *Manager) {
		m.src.once.Do(func() { m.src.source = source })
	}
}

func NewManager(cfg *config.Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg, src: &sourceCache{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// With returns a manager with the same configuration and source plus opts.
func (m *Manager) With(opts ...Option) *Manager {
	derived := &Manager{cfg: m.cfg, progress: m.progress, state: m.state, src: m.src}
	for _, opt := range opts {
		opt(derived)
	}
	return derived
}

// TargetPath is where the asset for lang lives once available.
func (m *Manager) TargetPath(lang string) string {
	return filepath.Join(m.cfg.DataDir, utils.NgramFileName(lang))
}

// EnsureAvailable makes the asset for lang present locally if it is not
// already and downloading is permitted. Failed always comes with an error.
func (m *Manager) EnsureAvailable(ctx context.Context, lang string) (Outcome, error) {
	if !utils.LangRegex.MatchString(lang) {
		return Failed, fmt.Errorf("invalid language code %q", lang)
	}
	job := &utils.AssetJob{
		ID:           uuid.New().String(),
		Lang:         lang,
		FileName:     utils.NgramFileName(lang),
		OutputPath:   m.TargetPath(lang),
		AutoDownload: m.cfg.AutoDownload,
		Connections:  m.cfg.Connections,
		ChunkSize:    int64(m.cfg.ChunkSize),
		BatchSize:    m.cfg.BatchSize,
		Retries:      m.cfg.Retries,
		VerifyParts:  m.cfg.VerifyParts,
		Metadata:     make(map[string]any),
	}
	logger := log.With().Str("job", job.ID).Str("lang", lang).Logger()
	if m.progress != nil {
		job.ProgressFunc = func(downloaded, total int64) { m.progress(lang, downloaded, total) }
	}
	job.StateFunc = func(state utils.JobState) {
		logger.Debug().Str("op", "assets/ensure").Msgf("state %s", state)
		if m.state != nil {
			m.state(lang, state)
		}
	}

	// existence and opt-in are settled before any source is built
	if err := lmhttp.NewDownloader(nil).ValidateJob(ctx, job); err != nil {
		switch {
		case errors.Is(err, utils.ErrAlreadyPresent):
			return Available, nil
		case errors.Is(err, utils.ErrDownloadDisabled):
			logger.Info().Str("op", "assets/ensure").Msgf("%s missing; set %s=1 to download", job.FileName, config.EnvAutoDownload)
			return UnavailableByPolicy, nil
		}
		return Failed, err
	}

	source, err := m.resolveSource(ctx)
	if err != nil {
		return Failed, err
	}
	downloader := lmhttp.NewDownloader(source)
	logger.Info().Str("op", "assets/ensure").Msgf("Downloading %s from %s", job.FileName, source.Location(job.FileName))
	if err := downloader.BuildJob(ctx, job); err != nil {
		job.SetState(utils.StateFailed)
		return Failed, fmt.Errorf("error preparing %s: %w", job.FileName, err)
	}
	if err := downloader.Download(ctx, job); err != nil {
		logger.Error().Str("op", "assets/ensure").Err(err).Msg("Download failed")
		if utils.IsIntegrityError(err) {
			return Failed, fmt.Errorf("error verifying %s, run `lmfetch clean %s` to discard the downloaded parts: %w", job.FileName, lang, err)
		}
		return Failed, fmt.Errorf("error downloading %s: %w", job.FileName, err)
	}
	return Available, nil
}

func (m *Manager) resolveSource(ctx context.Context) (utils.ObjectSource, error) {
	m.src.once.Do(func() {
		if strings.HasPrefix(m.cfg.BaseURL, "s3://") {
			m.src.source, m.src.err = s3.NewSource(ctx, m.cfg.BaseURL, s3.ClientOptions{
				Profile:  m.cfg.S3.Profile,
				Region:   m.cfg.S3.Region,
				Endpoint: m.cfg.S3.Endpoint,
			})
			return
		}
		m.src.source = lmhttp.NewSource(m.cfg.BaseURL, m.cfg.HTTPClientConfig())
	})
	return m.src.source, m.src.err
}

// Report describes the local state of one language's asset.
type Report struct {
	Lang     string
	Path     string
	Present  bool
	Size     int64
	Progress *progress.Descriptor
	Parts    int // chunk files found in the parts directory
}

// Inspect reads local state only; it never touches the network.
func (m *Manager) Inspect(lang string) (Report, error) {
	path := m.TargetPath(lang)
	report := Report{Lang: lang, Path: path}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		report.Present = !info.IsDir()
		report.Size = info.Size()
	case !errors.Is(err, os.ErrNotExist):
		return report, &utils.PersistenceError{Op: "checking", Path: path, Err: err}
	}
	layout := progress.NewLayout(path)
	report.Progress = progress.Load(layout)
	parts, err := progress.PartsOnDisk(layout)
	if err != nil {
		return report, err
	}
	report.Parts = len(parts)
	return report, nil
}

// Clean drops resumable progress and temp files for lang. The asset itself
// is left alone.
func (m *Manager) Clean(lang string) error {
	path := m.TargetPath(lang)
	if err := progress.Cleanup(progress.NewLayout(path)); err != nil {
		return err
	}
	return utils.CleanTemp(path)
}

// EnsureNgramData resolves everything from the environment and defaults.
func EnsureNgramData(ctx context.Context, lang string) (Outcome, error) {
	cfg := config.Default()
	cfg.ApplyEnv()
	return NewManager(cfg).EnsureAvailable(ctx, lang)
}
