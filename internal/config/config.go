// Package config loads and validates the steward configuration file.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stewardai/steward/internal/agent"
	"github.com/stewardai/steward/internal/agent/providers"
	"github.com/stewardai/steward/internal/ratelimit"
	"github.com/stewardai/steward/internal/retry"
	"github.com/stewardai/steward/internal/routing"
	"github.com/stewardai/steward/internal/tasks"
	"github.com/stewardai/steward/internal/tools/exec"
	"github.com/stewardai/steward/internal/tools/files"
)

// Config is the main configuration structure for steward.
type Config struct {
	Workspace string           `yaml:"workspace"`
	Logging   LoggingConfig    `yaml:"logging"`
	Store     StoreConfig      `yaml:"store"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Retry     retry.Config     `yaml:"retry"`
	Loop      agent.LoopConfig `yaml:"loop"`
	Router    routing.Config   `yaml:"router"`
	Providers ProvidersConfig  `yaml:"providers"`
	Tools     ToolsConfig      `yaml:"tools"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`
	// Format is "json" or "text". Default: json
	Format string `yaml:"format"`
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres. Default: sqlite
	Driver string `yaml:"driver"`
	// Path is the sqlite database file. Default: steward.db
	Path string `yaml:"path"`
	// Postgres configures the postgres driver.
	Postgres tasks.PostgresConfig `yaml:"postgres"`
}

// ProvidersConfig configures the model backends.
type ProvidersConfig struct {
	Anthropic providers.AnthropicConfig `yaml:"anthropic"`
	OpenAI    providers.OpenAIConfig    `yaml:"openai"`
	Relay     providers.RelayConfig     `yaml:"relay"`
}

// ToolsConfig configures the tool surface.
type ToolsConfig struct {
	Files files.Config `yaml:"files"`
	Exec  exec.Config  `yaml:"exec"`
}

// SchedulerConfig configures recurring task submission.
type SchedulerConfig struct {
	// MaxConcurrency limits simultaneous scheduled runs. Default: 2
	MaxConcurrency int `yaml:"max_concurrency"`
	// Recurrences are the cron-scheduled task templates.
	Recurrences []tasks.RecurringTask `yaml:"recurrences"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file. Environment variables in
// the file body are expanded before parsing, and unknown keys are errors.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes config bytes with strict field checking.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "steward.db"
	}
	if cfg.RateLimit.MaxRequests == 0 && cfg.RateLimit.Window == 0 {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Loop.MaxIterations <= 0 {
		cfg.Loop = *agent.DefaultLoopConfig()
	}
	if cfg.Router.ConfidenceThreshold <= 0 {
		defaults := routing.DefaultConfig()
		defaults.AutoRoute = cfg.Router.AutoRoute
		if cfg.Router.DefaultProvider != "" {
			defaults.DefaultProvider = cfg.Router.DefaultProvider
		}
		if cfg.Router.DefaultModel != "" {
			defaults.DefaultModel = cfg.Router.DefaultModel
		}
		defaults.IntentRoutes = cfg.Router.IntentRoutes
		cfg.Router = defaults
	}
	if cfg.Tools.Files.Workspace == "" {
		cfg.Tools.Files.Workspace = cfg.Workspace
	}
	execDefaults := exec.DefaultConfig(cfg.Workspace)
	if cfg.Tools.Exec.Workspace == "" {
		cfg.Tools.Exec.Workspace = execDefaults.Workspace
	}
	if cfg.Tools.Exec.MaxOutputBytes <= 0 {
		cfg.Tools.Exec.MaxOutputBytes = execDefaults.MaxOutputBytes
	}
	if cfg.Tools.Exec.DefaultTimeout <= 0 {
		cfg.Tools.Exec.DefaultTimeout = execDefaults.DefaultTimeout
	}
	if cfg.Tools.Exec.TestCommand == "" {
		cfg.Tools.Exec.TestCommand = execDefaults.TestCommand
	}
	if cfg.Tools.Exec.LintCommand == "" {
		cfg.Tools.Exec.LintCommand = execDefaults.LintCommand
	}
	if cfg.Scheduler.MaxConcurrency <= 0 {
		cfg.Scheduler.MaxConcurrency = 2
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Validate rejects configurations that cannot be acted on.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver must be memory, sqlite, or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn is required for the postgres driver")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	for _, rec := range c.Scheduler.Recurrences {
		if strings.TrimSpace(rec.Schedule) == "" {
			return fmt.Errorf("scheduler recurrence %q has no schedule", rec.Name)
		}
	}
	return nil
}
