package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tanq16/lmfetch/internal/config"
	"github.com/tanq16/lmfetch/internal/output"
	"github.com/tanq16/lmfetch/internal/utils"
)

var (
	cfgFile     string
	debug       bool
	fileLog     bool
	workers     int
	dataDir     string
	baseURL     string
	connections int
	chunkSize   string
	batchSize   int
	retries     int
	verifyParts bool
	timeout     time.Duration
	kaTimeout   time.Duration
	userAgent   string
	proxyURL    string
	proxyUser   string
	proxyPass   string
	headers     []string
)

var LMFetchVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "lmfetch",
	Short:   "lmfetch keeps language-model n-gram data available locally",
	Version: LMFetchVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		if fileLog {
			f, err := os.OpenFile(utils.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return fmt.Errorf("error opening log file: %w", err)
			}
			utils.SetLogOutput(f)
		} else if !debug {
			// keep the live display readable
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output.Print(output.ToneFailed, err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&fileLog, "log", false, "Write logs to "+utils.LogFile+" instead of the console")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Directory holding the n-gram files")
	rootCmd.PersistentFlags().StringVarP(&baseURL, "base-url", "u", "", "Remote location of the assets (https:// or s3://)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", 1, "Number of assets to process in parallel")
	rootCmd.PersistentFlags().IntVarP(&connections, "connections", "c", utils.DefaultConnections, "Parallel connections per asset (above 32 enables high-thread-mode)")
	rootCmd.PersistentFlags().StringVar(&chunkSize, "chunk-size", "20MiB", "Size of each ranged request")
	rootCmd.PersistentFlags().IntVar(&batchSize, "batch-size", 0, "Chunks per progress checkpoint (0 means all pending chunks)")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 0, "Times to reschedule pending chunks after a failed pass")
	rootCmd.PersistentFlags().BoolVar(&verifyParts, "verify-parts", false, "Re-hash completed chunks before resuming")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Timeout for connecting and for response headers (eg. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.PersistentFlags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.PersistentFlags().StringVar(&proxyUser, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringVar(&proxyPass, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.PersistentFlags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")

	rootCmd.AddCommand(newFetchCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newPublishCmd())
}

// loadConfig layers defaults, the config file, the environment and any
// flags set on the command line, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("base-url") {
		cfg.BaseURL = baseURL
	}
	if flags.Changed("connections") {
		cfg.Connections = connections
	}
	if flags.Changed("chunk-size") {
		var size config.ByteSize
		if err := size.Set(chunkSize); err != nil {
			return nil, err
		}
		cfg.ChunkSize = size
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = batchSize
	}
	if flags.Changed("retries") {
		cfg.Retries = retries
	}
	if flags.Changed("verify-parts") {
		cfg.VerifyParts = verifyParts
	}
	if flags.Changed("timeout") {
		cfg.Timeout = timeout
	}
	if flags.Changed("keep-alive-timeout") {
		cfg.KeepAliveTimeout = kaTimeout
	}
	if flags.Changed("user-agent") {
		cfg.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		cfg.Proxy = proxyURL
	}
	if flags.Changed("proxy-username") {
		cfg.ProxyUsername = proxyUser
	}
	if flags.Changed("proxy-password") {
		cfg.ProxyPassword = proxyPass
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	for k, v := range utils.ParseHeaderArgs(headers) {
		cfg.Headers[k] = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
