package lmhttp

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/lmfetch/internal/materialize"
	"github.com/tanq16/lmfetch/internal/progress"
	"github.com/tanq16/lmfetch/internal/utils"
)

func (d *Downloader) Download(ctx context.Context, job *utils.AssetJob) error {
	var err error
	switch jobStrategy(job) {
	case utils.StrategyChunked:
		err = d.downloadChunked(ctx, job)
	case utils.StrategySingleCompressed:
		err = d.downloadSingle(ctx, job, true)
	case utils.StrategySinglePlain:
		err = d.downloadSingle(ctx, job, false)
	default:
		err = fmt.Errorf("no download strategy for %s, BuildJob not run", job.FileName)
	}
	if err != nil {
		job.SetState(utils.StateFailed)
		return err
	}
	job.SetState(utils.StateFinalized)
	log.Info().Str("op", "http/download").Msgf("%s ready at %s", job.FileName, job.OutputPath)
	return nil
}

func (d *Downloader) downloadChunked(ctx context.Context, job *utils.AssetJob) error {
	job.SetState(utils.StateChunked)
	name := job.FileName + utils.CompressedSuffix
	url := d.source.Location(name)
	size, _ := job.Metadata["compressedSize"].(int64)
	expected := expectedSHA256(job)
	layout := progress.NewLayout(job.OutputPath)

	desc, reused := progress.Reconcile(progress.Load(layout), url, size, expected, job.ChunkSize)
	if !reused {
		// leftover chunk files belong to some other object
		if err := progress.Cleanup(layout); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(layout.PartsDir, 0755); err != nil {
		return &utils.PersistenceError{Op: "creating", Path: layout.PartsDir, Err: err}
	}
	if !reused {
		if err := progress.Save(desc, layout); err != nil {
			return err
		}
	}
	log.Info().Str("op", "http/download").Msgf("Downloading %s in %d chunks", url, desc.TotalChunks)

	if err := newChunkScheduler(d.source, name, layout, desc, job).run(ctx); err != nil {
		return err
	}

	job.SetState(utils.StateAssembling)
	reader := materialize.NewSequentialReader(layout.ChunkPaths(desc.TotalChunks))
	_, err := materialize.Materialize(reader, job.OutputPath, materialize.Options{
		Decompress:     true,
		ExpectedSHA256: expected,
		TempPath:       layout.TempOutput,
		BeforeVerify:   func() { job.SetState(utils.StateVerifying) },
	})
	reader.Close()
	if err != nil {
		return err
	}
	if err := progress.Cleanup(layout); err != nil {
		log.Warn().Str("op", "http/download").Err(err).Msg("Artifact finalized but parts cleanup failed")
	}
	return nil
}
