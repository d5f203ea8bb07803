package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mcp-server-images/internal/providers/bfl"
	"mcp-server-images/internal/providers/stability"
	"mcp-server-images/internal/utils"
)

// Environment variables read at startup.
const (
	EnvStabilityAPIKey  = "STABILITY_API_KEY"
	EnvBFLAPIKey        = "BFL_API_KEY"
	EnvOutputDir        = "MCP_IMAGES_OUTPUT_DIR"
	EnvFilenameTemplate = "MCP_IMAGES_FILENAME_TEMPLATE"
	EnvLogLevel         = "MCP_IMAGES_LOG_LEVEL"
	EnvTimeout          = "MCP_IMAGES_TIMEOUT"
	EnvPollInterval     = "MCP_IMAGES_POLL_INTERVAL"
	EnvWriteMetadata    = "MCP_IMAGES_WRITE_METADATA"
	EnvStabilityBaseURL = "MCP_IMAGES_STABILITY_BASE_URL"
	EnvBFLBaseURL       = "MCP_IMAGES_BFL_BASE_URL"
)

// Config holds the application configuration.
type Config struct {
	StabilityAPIKey  string        `yaml:"stability_api_key"`
	BFLAPIKey        string        `yaml:"bfl_api_key"`
	OutputDir        string        `yaml:"output_dir"`        // Default directory for generated images
	FilenameTemplate string        `yaml:"filename_template"` // Default filename template
	LogLevelStr      string        `yaml:"log_level"`
	TimeoutSec       int           `yaml:"timeout"`       // Per-call upstream deadline in seconds
	PollInterval     time.Duration `yaml:"poll_interval"` // BFL result polling interval
	WriteMetadata    bool          `yaml:"write_metadata"`
	StabilityBaseURL string        `yaml:"stability_base_url"`
	BFLBaseURL       string        `yaml:"bfl_base_url"`

	LogLevel slog.Level `yaml:"-"`
}

// ErrNoAPIKeys indicates that neither provider has an API key configured.
var ErrNoAPIKeys = errors.New("no API keys configured: set " + EnvStabilityAPIKey + " and/or " + EnvBFLAPIKey)

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		OutputDir:        "./images",
		FilenameTemplate: utils.DefaultFilenameTemplate,
		LogLevelStr:      "INFO",
		TimeoutSec:       120,
		PollInterval:     bfl.DefaultPollInterval,
		WriteMetadata:    true,
		StabilityBaseURL: stability.DefaultBaseURL,
		BFLBaseURL:       bfl.DefaultBaseURL,
		LogLevel:         slog.LevelInfo,
	}
}

// Timeout returns the per-call deadline as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// LoadConfig loads configuration from os.Args, the environment, an optional
// .env file and an optional YAML file.
// Precedence, lowest first: defaults, YAML file, environment, flags.
func LoadConfig() (*Config, error) {
	return Load(os.Args[1:])
}

// Load is LoadConfig with explicit arguments.
func Load(args []string) (*Config, error) {
	flagCfg := Default()
	var configPath, envFile string

	// ContinueOnError keeps a bad flag from calling os.Exit.
	fs := flag.NewFlagSet("mcp-server-images", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configPath, "config", "", "Path to a YAML configuration file (optional)")
	fs.StringVar(&envFile, "env-file", ".env", "Path to a .env file; ignored when missing")
	fs.StringVar(&flagCfg.StabilityAPIKey, "stability-api-key", "", "Stability AI API key (overrides "+EnvStabilityAPIKey+")")
	fs.StringVar(&flagCfg.BFLAPIKey, "bfl-api-key", "", "Black Forest Labs API key (overrides "+EnvBFLAPIKey+")")
	fs.StringVar(&flagCfg.OutputDir, "output-dir", flagCfg.OutputDir, "Default directory for generated images")
	fs.StringVar(&flagCfg.FilenameTemplate, "filename-template", flagCfg.FilenameTemplate, "Default filename template")
	fs.StringVar(&flagCfg.LogLevelStr, "log-level", flagCfg.LogLevelStr, "Logging level (DEBUG, INFO, WARN, ERROR)")
	fs.IntVar(&flagCfg.TimeoutSec, "timeout", flagCfg.TimeoutSec, "Upstream call timeout in seconds")
	fs.DurationVar(&flagCfg.PollInterval, "poll-interval", flagCfg.PollInterval, "BFL result polling interval")
	fs.BoolVar(&flagCfg.WriteMetadata, "metadata", flagCfg.WriteMetadata, "Write a JSON metadata sidecar next to each image")
	fs.StringVar(&flagCfg.StabilityBaseURL, "stability-base-url", flagCfg.StabilityBaseURL, "Stability AI API base URL")
	fs.StringVar(&flagCfg.BFLBaseURL, "bfl-base-url", flagCfg.BFLBaseURL, "Black Forest Labs API base URL")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("error parsing flags: %w", err)
	}

	cfg := Default()
	if configPath != "" {
		if err := loadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	// Variables already present in the environment win over the file.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "stability-api-key":
			cfg.StabilityAPIKey = flagCfg.StabilityAPIKey
		case "bfl-api-key":
			cfg.BFLAPIKey = flagCfg.BFLAPIKey
		case "output-dir":
			cfg.OutputDir = flagCfg.OutputDir
		case "filename-template":
			cfg.FilenameTemplate = flagCfg.FilenameTemplate
		case "log-level":
			cfg.LogLevelStr = flagCfg.LogLevelStr
		case "timeout":
			cfg.TimeoutSec = flagCfg.TimeoutSec
		case "poll-interval":
			cfg.PollInterval = flagCfg.PollInterval
		case "metadata":
			cfg.WriteMetadata = flagCfg.WriteMetadata
		case "stability-base-url":
			cfg.StabilityBaseURL = flagCfg.StabilityBaseURL
		case "bfl-base-url":
			cfg.BFLBaseURL = flagCfg.BFLBaseURL
		}
	})

	cfg.LogLevel = parseLogLevel(cfg.LogLevelStr)

	if cfg.TimeoutSec <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %d", cfg.TimeoutSec)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.StabilityAPIKey == "" && cfg.BFLAPIKey == "" {
		return nil, ErrNoAPIKeys
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		EnvStabilityAPIKey:  &cfg.StabilityAPIKey,
		EnvBFLAPIKey:        &cfg.BFLAPIKey,
		EnvOutputDir:        &cfg.OutputDir,
		EnvFilenameTemplate: &cfg.FilenameTemplate,
		EnvLogLevel:         &cfg.LogLevelStr,
		EnvStabilityBaseURL: &cfg.StabilityBaseURL,
		EnvBFLBaseURL:       &cfg.BFLBaseURL,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvTimeout); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTimeout, err)
		}
		cfg.TimeoutSec = n
	}
	if v := os.Getenv(EnvPollInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPollInterval, err)
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv(EnvWriteMetadata); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWriteMetadata, err)
		}
		cfg.WriteMetadata = b
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo // INFO and anything unrecognized
	}
}
