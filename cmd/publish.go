package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
	"github.com/tanq16/lmfetch/internal/downloaders/s3"
	"github.com/tanq16/lmfetch/internal/output"
	"github.com/tanq16/lmfetch/internal/publish"
)

func newPublishCmd() *cobra.Command {
	var outDir, s3URL, level string
	var keepRaw bool
	cmd := &cobra.Command{
		Use:   "publish FILE [--out DIR] [--s3 s3://bucket/prefix]",
		Short: "Compress an asset and write its checksum, optionally uploading both",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ok, encLevel := zstd.EncoderLevelFromString(level)
			if !ok {
				return fmt.Errorf("unknown compression level %q", level)
			}
			art, err := publish.Prepare(args[0], outDir, publish.Options{Level: encLevel, KeepRaw: keepRaw})
			if err != nil {
				return err
			}
			output.Print(output.ToneAvailable, fmt.Sprintf("%s (%s)", art.Compressed, humanize.IBytes(uint64(art.CompressedSize))))
			output.Print(output.ToneAvailable, art.Checksum)
			if s3URL == "" {
				return nil
			}
			client, err := s3.NewClient(cmd.Context(), s3.ClientOptions{
				Profile:  cfg.S3.Profile,
				Region:   cfg.S3.Region,
				Endpoint: cfg.S3.Endpoint,
			})
			if err != nil {
				return err
			}
			if err := publish.Upload(cmd.Context(), publish.NewUploader(client), art, s3URL); err != nil {
				return err
			}
			output.Print(output.ToneAvailable, fmt.Sprintf("Uploaded to %s", s3URL))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory for the generated files")
	cmd.Flags().StringVar(&s3URL, "s3", "", "Upload the generated files below this s3:// location")
	cmd.Flags().StringVar(&level, "level", "default", "zstd level: fastest, default, better or best")
	cmd.Flags().BoolVar(&keepRaw, "raw", false, "Also stage the uncompressed file for the plain fallback")
	return cmd
}
