package lmhttp

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/lmfetch/internal/materialize"
	"github.com/tanq16/lmfetch/internal/utils"
)

// downloadSingle fetches the whole object over one connection and streams it
// straight into materialization. No parts directory or descriptor is used.
func (d *Downloader) downloadSingle(ctx context.Context, job *utils.AssetJob, compressed bool) error {
	name := job.FileName
	tempPath := job.OutputPath + utils.DownloadSuffix
	if compressed {
		job.SetState(utils.StateSingleConnectionCompressed)
		name += utils.CompressedSuffix
		tempPath = job.OutputPath + utils.TempSuffix
	} else {
		job.SetState(utils.StateSingleConnectionPlain)
	}
	expected := expectedSHA256(job)
	if expected == "" {
		log.Warn().Str("op", "http/simple-downloader").Msgf("No checksum for %s, output will not be verified", name)
	}

	body, length, err := d.source.Open(ctx, name)
	if err != nil {
		return err
	}
	defer body.Close()
	log.Info().Str("op", "http/simple-downloader").Msgf("Single connection download of %s", d.source.Location(name))

	reader := &transportReader{body: body, location: d.source.Location(name), total: length, progress: job.ProgressFunc}
	reader.report()
	job.SetState(utils.StateAssembling)
	_, err = materialize.Materialize(reader, job.OutputPath, materialize.Options{
		Decompress:     compressed,
		ExpectedSHA256: expected,
		TempPath:       tempPath,
		BeforeVerify:   func() { job.SetState(utils.StateVerifying) },
	})
	return err
}

// transportReader counts bytes for progress and tags body read failures as
// transport errors so they are not mistaken for decode failures.
type transportReader struct {
	body     io.Reader
	location string
	read     int64
	total    int64
	progress func(downloaded, total int64)
}

func (r *transportReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.read += int64(n)
		r.report()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &utils.TransportError{Op: "reading", URL: r.location, Err: err}
	}
	return n, err
}

func (r *transportReader) report() {
	if r.progress != nil {
		r.progress(r.read, r.total)
	}
}
