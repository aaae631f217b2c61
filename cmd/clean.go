package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/lmfetch/internal/output"
	"github.com/tanq16/lmfetch/pkg/assets"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean LANG...",
		Short: "Remove partial downloads and progress files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mgr := assets.NewManager(cfg)
			for _, lang := range args {
				if err := mgr.Clean(lang); err != nil {
					return fmt.Errorf("error cleaning %s: %w", lang, err)
				}
				output.Print(output.ToneAvailable, fmt.Sprintf("Temporary files cleaned up for %s", lang))
			}
			return nil
		},
	}
}
