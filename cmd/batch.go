package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/lmfetch/internal/config"
	"github.com/tanq16/lmfetch/internal/output"
	"github.com/tanq16/lmfetch/internal/scheduler"
	"github.com/tanq16/lmfetch/internal/utils"
	"github.com/tanq16/lmfetch/pkg/assets"
	"gopkg.in/yaml.v3"
)

type BatchFile struct {
	Assets []utils.BatchEntry `yaml:"assets"`
}

func newBatchCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "batch YAML_FILE [OPTIONS]",
		Short: "Process multiple assets listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if yes {
				cfg.AutoDownload = true
			}
			batch, err := readBatchFile(args[0])
			if err != nil {
				return err
			}
			tasks := buildTasks(cfg, batch.Assets)
			if len(tasks) == 0 {
				return fmt.Errorf("no valid entries found in %s", args[0])
			}
			return scheduler.Run(cmd.Context(), tasks, workers)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Download missing data (same as LMFETCH_AUTO_DOWNLOAD=1)")
	return cmd
}

func readBatchFile(path string) (*BatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	var batch BatchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	return &batch, nil
}

// buildTasks shares one manager between entries with the same data
// directory and base URL.
func buildTasks(base *config.Config, entries []utils.BatchEntry) []scheduler.Task {
	managers := map[[2]string]*assets.Manager{}
	var tasks []scheduler.Task
	for _, entry := range entries {
		if !utils.LangRegex.MatchString(entry.Lang) {
			output.Print(output.ToneSkipped, fmt.Sprintf("Skipping invalid language %q", entry.Lang))
			continue
		}
		cfg := *base
		if entry.DataDir != "" {
			cfg.DataDir = entry.DataDir
		}
		if entry.BaseURL != "" {
			cfg.BaseURL = entry.BaseURL
		}
		key := [2]string{cfg.DataDir, cfg.BaseURL}
		mgr, ok := managers[key]
		if !ok {
			mgr = assets.NewManager(&cfg)
			managers[key] = mgr
		}
		tasks = append(tasks, scheduler.Task{Lang: entry.Lang, Manager: mgr})
	}
	return tasks
}
