package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/lmfetch/internal/scheduler"
	"github.com/tanq16/lmfetch/pkg/assets"
)

func newFetchCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "fetch LANG... [--yes]",
		Short: "Make the n-gram data for one or more languages available",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if yes {
				cfg.AutoDownload = true
			}
			mgr := assets.NewManager(cfg)
			var tasks []scheduler.Task
			for _, lang := range args {
				tasks = append(tasks, scheduler.Task{Lang: lang, Manager: mgr})
			}
			return scheduler.Run(cmd.Context(), tasks, workers)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Download missing data (same as LMFETCH_AUTO_DOWNLOAD=1)")
	return cmd
}
