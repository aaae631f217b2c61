package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tanq16/lmfetch/internal/utils"
	"gopkg.in/yaml.v3"
)

const DefaultBaseURL = "https://pub-8068a615549c43e1893eb3f9a35a0e17.r2.dev/ngrams"

const (
	EnvAutoDownload = "LMFETCH_AUTO_DOWNLOAD"
	EnvBaseURL      = "LMFETCH_BASE_URL"
	EnvDataDir      = "LMFETCH_DATA_DIR"
	EnvAuthToken    = "LMFETCH_AUTH_TOKEN"
)

// ByteSize accepts either a plain integer or a human string like "20MiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	return b.Set(node.Value)
}

// Set parses raw the way the config file does; it backs the --chunk-size flag.
func (b *ByteSize) Set(raw string) error {
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

type S3Config struct {
	Profile  string `yaml:"profile,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

type Config struct {
	BaseURL          string            `yaml:"base_url"`
	DataDir          string            `yaml:"data_dir"`
	AutoDownload     bool              `yaml:"auto_download"`
	Connections      int               `yaml:"connections"`
	ChunkSize        ByteSize          `yaml:"chunk_size"`
	BatchSize        int               `yaml:"batch_size"`
	Retries          int               `yaml:"retries"`
	VerifyParts      bool              `yaml:"verify_parts"`
	Timeout          time.Duration     `yaml:"timeout"`
	KeepAliveTimeout time.Duration     `yaml:"keep_alive_timeout"`
	UserAgent        string            `yaml:"user_agent,omitempty"`
	Proxy            string            `yaml:"proxy,omitempty"`
	ProxyUsername    string            `yaml:"proxy_username,omitempty"`
	ProxyPassword    string            `yaml:"proxy_password,omitempty"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	AuthToken        string            `yaml:"auth_token,omitempty"`
	S3               S3Config          `yaml:"s3,omitempty"`
}

func Default() *Config {
	return &Config{
		BaseURL:          DefaultBaseURL,
		DataDir:          defaultDataDir(),
		Connections:      utils.DefaultConnections,
		ChunkSize:        utils.DefaultChunkSize,
		Timeout:          3 * time.Minute,
		KeepAliveTimeout: 90 * time.Second,
		UserAgent:        utils.ToolUserAgent,
		Headers:          map[string]string{},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "lmfetch")
	}
	return "data"
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "lmfetch", "config.yaml")
	}
	return "lmfetch.yaml"
}

// Load reads path over the defaults. A missing file at the default path is
// not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("error reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config %s: %w", path, err)
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays the LMFETCH_* environment variables.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvAutoDownload); ok {
		c.AutoDownload = ParseBool(v)
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.AuthToken = v
	}
}

// ParseBool accepts "1" and "true" in any case; everything else is false.
func ParseBool(v string) bool {
	v = strings.TrimSpace(v)
	return v == "1" || strings.EqualFold(v, "true")
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url must not be empty")
	}
	if c.Connections < 1 {
		return fmt.Errorf("connections must be positive, got %d", c.Connections)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.BatchSize < 0 || c.Retries < 0 {
		return errors.New("batch_size and retries must not be negative")
	}
	return nil
}

// HTTPClientConfig maps the transport settings onto the HTTP client wrapper.
func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:        c.Timeout,
		KATimeout:      c.KeepAliveTimeout,
		ProxyURL:       c.Proxy,
		ProxyUsername:  c.ProxyUsername,
		ProxyPassword:  c.ProxyPassword,
		UserAgent:      c.UserAgent,
		Headers:        c.Headers,
		AuthToken:      c.AuthToken,
		HighThreadMode: c.Connections > 32,
	}
}
