package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tanq16/lmfetch/internal/output"
	"github.com/tanq16/lmfetch/pkg/assets"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status LANG...",
		Short: "Show local availability and resumable progress without network access",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mgr := assets.NewManager(cfg)
			output.PrintHeader(fmt.Sprintf("Data directory: %s", cfg.DataDir))
			for _, lang := range args {
				report, err := mgr.Inspect(lang)
				if err != nil {
					return err
				}
				fmt.Println(formatReport(report))
			}
			return nil
		},
	}
}

func formatReport(r assets.Report) string {
	name := output.ToneDetail.Render(fmt.Sprintf("%-6s", r.Lang))
	switch {
	case r.Present:
		return fmt.Sprintf("  %s %s %s", output.ToneAvailable.Symbol(), name,
			output.ToneAvailable.Render(fmt.Sprintf("available (%s)", humanize.IBytes(uint64(r.Size)))))
	case r.Progress != nil:
		d := r.Progress
		text := fmt.Sprintf("partial: %d/%d chunks, %s of %s",
			d.CompletedCount(), d.TotalChunks,
			humanize.IBytes(uint64(d.CompletedBytes())), humanize.IBytes(uint64(d.CompressedSize)))
		return fmt.Sprintf("  %s %s %s %s", output.TonePartial.Symbol(), name, output.TonePartial.Render(text), output.ToneMuted.Render("updated "+d.UpdatedAt))
	case r.Parts > 0:
		return fmt.Sprintf("  %s %s %s", output.ToneSkipped.Symbol(), name,
			output.ToneSkipped.Render(fmt.Sprintf("%d orphaned chunk files, run clean", r.Parts)))
	default:
		return fmt.Sprintf("  %s %s %s", output.ToneMuted.Symbol(), name, output.ToneMuted.Render("not present"))
	}
}
