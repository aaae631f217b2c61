package lmhttp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/lmfetch/internal/progress"
	"github.com/tanq16/lmfetch/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// chunkScheduler fetches every pending chunk of one descriptor. Only the
// mutex-guarded descriptor and the atomic byte counter are shared between
// fetch goroutines.
type chunkScheduler struct {
	source     utils.ObjectSource
	name       string
	layout     progress.Layout
	desc       *progress.Descriptor
	job        *utils.AssetJob
	mu         sync.Mutex
	downloaded atomic.Int64
}

func newChunkScheduler(source utils.ObjectSource, name string, layout progress.Layout, desc *progress.Descriptor, job *utils.AssetJob) *chunkScheduler {
	return &chunkScheduler{source: source, name: name, layout: layout, desc: desc, job: job}
}

func (s *chunkScheduler) run(ctx context.Context) error {
	if err := s.verifyCompleted(); err != nil {
		return err
	}
	s.downloaded.Store(s.desc.CompletedBytes())
	s.report(0)

	var lastErr error
	for attempt := 0; attempt <= s.job.Retries; attempt++ {
		if attempt > 0 {
			log.Warn().Str("op", "http/multi-down").Msgf("Rescheduling %d pending chunks (attempt %d/%d)", len(s.desc.PendingChunks()), attempt+1, s.job.Retries+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
			}
		}
		lastErr = s.runPass(ctx)
		if lastErr == nil {
			break
		}
		var te *utils.TransportError
		if !errors.As(lastErr, &te) || ctx.Err() != nil {
			return lastErr
		}
		log.Error().Str("op", "http/multi-down").Err(lastErr).Msgf("Scheduling pass %d failed", attempt+1)
	}
	if lastErr != nil {
		return lastErr
	}
	if !s.desc.AllComplete() {
		return fmt.Errorf("%w: %d pending", utils.ErrIncompleteChunks, len(s.desc.PendingChunks()))
	}
	return nil
}

// runPass walks the pending chunks in batches. The descriptor is saved after
// every batch, including one that failed part way.
func (s *chunkScheduler) runPass(ctx context.Context) error {
	pending := s.desc.PendingChunks()
	batchSize := s.job.BatchSize
	if batchSize <= 0 || batchSize > len(pending) {
		batchSize = len(pending)
	}
	for start := 0; start < len(pending); start += batchSize {
		end := min(start+batchSize, len(pending))
		batchErr := s.runBatch(ctx, pending[start:end])
		saveErr := progress.Save(s.desc, s.layout)
		if batchErr != nil {
			if saveErr != nil {
				log.Error().Str("op", "http/multi-down").Err(saveErr).Msg("Failed to save progress after batch failure")
			}
			return batchErr
		}
		if saveErr != nil {
			return saveErr
		}
		log.Debug().Str("op", "http/multi-down").Msgf("Batch done: %d/%d chunks complete", s.desc.CompletedCount(), s.desc.TotalChunks)
	}
	return nil
}

func (s *chunkScheduler) runBatch(ctx context.Context, indices []int64) error {
	connections := s.job.Connections
	if connections <= 0 {
		connections = utils.DefaultConnections
	}
	sem := semaphore.NewWeighted(int64(connections))
	g, gctx := errgroup.WithContext(ctx)
	var acquireErr error
	for _, idx := range indices {
		if err := sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return s.fetchChunk(gctx, idx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return acquireErr
}

func (s *chunkScheduler) fetchChunk(ctx context.Context, idx int64) error {
	start, end := s.desc.ChunkRange(idx)
	var fetched int64
	sha, err := downloadSingleChunk(ctx, s.source, s.name, start, end, s.layout.ChunkPath(idx), func(n int64) {
		fetched += n
		s.report(n)
	})
	if err != nil {
		// the chunk stays pending, so its bytes no longer count
		s.report(-fetched)
		return fmt.Errorf("chunk %d: %w", idx, err)
	}
	s.mu.Lock()
	s.desc.MarkComplete(idx, sha)
	s.mu.Unlock()
	return nil
}

func (s *chunkScheduler) report(delta int64) {
	current := s.downloaded.Add(delta)
	if s.job.ProgressFunc != nil {
		s.job.ProgressFunc(current, s.desc.CompressedSize)
	}
}

// verifyCompleted demotes complete chunks whose file is missing or has the
// wrong size. With VerifyParts the file is re-hashed as well.
func (s *chunkScheduler) verifyCompleted() error {
	demoted := 0
	for idx := int64(0); idx < s.desc.TotalChunks; idx++ {
		chunk := s.desc.Chunks[idx]
		if chunk.Status != progress.StatusComplete {
			continue
		}
		want := s.desc.ChunkByteSize(idx)
		if chunk.BytesDownloaded != nil {
			want = *chunk.BytesDownloaded
		}
		path := s.layout.ChunkPath(idx)
		info, err := os.Stat(path)
		switch {
		case err != nil || info.Size() != want:
			log.Warn().Str("op", "http/multi-down").Msgf("Chunk %d missing or truncated, will refetch", idx)
		case s.job.VerifyParts:
			sha, _, err := hashFile(path)
			if err == nil && (chunk.SHA256 == nil || strings.EqualFold(sha, *chunk.SHA256)) {
				continue
			}
			log.Warn().Str("op", "http/multi-down").Msgf("Chunk %d failed re-verification, will refetch", idx)
		default:
			continue
		}
		s.desc.MarkPending(idx)
		demoted++
	}
	if demoted == 0 {
		return nil
	}
	return progress.Save(s.desc, s.layout)
}
