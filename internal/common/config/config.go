// Package config provides configuration management for the Cyrus edge worker.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the edge worker.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Repositories RepositoriesConfig `mapstructure:"repositories"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus, which is the default for a single-process edge worker.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DatabaseConfig holds the snapshot database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig holds orchestrator tuning knobs.
type WorkerConfig struct {
	// DrainTimeout bounds how long a stopped runner may keep forwarding
	// in-flight events before its handle is released (seconds).
	DrainTimeout int `mapstructure:"drainTimeout"`
	// SessionTTL is how long terminal sessions are retained before the
	// cleanup sweep removes them (hours).
	SessionTTL int `mapstructure:"sessionTtl"`
	// SelectionTTL is how long an unresolved repository elicitation stays
	// pending before it is discarded (hours).
	SelectionTTL int `mapstructure:"selectionTtl"`
	// CleanupInterval is how often the TTL sweep runs (minutes).
	CleanupInterval int `mapstructure:"cleanupInterval"`
}

// WorktreeConfig holds Git worktree configuration for concurrent agent
// execution.
type WorktreeConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BasePath      string `mapstructure:"basePath"`
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// RepositoriesConfig points at the YAML file listing the managed
// repositories (see repositories.go).
type RepositoriesConfig struct {
	Path string `mapstructure:"path"`
}

// DrainTimeoutDuration returns the runner drain timeout as a time.Duration.
func (w *WorkerConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(w.DrainTimeout) * time.Second
}

// SessionTTLDuration returns the terminal-session TTL as a time.Duration.
func (w *WorkerConfig) SessionTTLDuration() time.Duration {
	return time.Duration(w.SessionTTL) * time.Hour
}

// SelectionTTLDuration returns the pending-selection TTL as a time.Duration.
func (w *WorkerConfig) SelectionTTLDuration() time.Duration {
	return time.Duration(w.SelectionTTL) * time.Hour
}

// CleanupIntervalDuration returns the cleanup sweep interval as a
// time.Duration.
func (w *WorkerConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(w.CleanupInterval) * time.Minute
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("CYRUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cyrus-edge")
	v.SetDefault("nats.maxReconnects", 10)

	// Snapshot database defaults
	v.SetDefault("database.path", "~/.cyrus/cyrus.db")

	// Worker defaults
	v.SetDefault("worker.drainTimeout", 5)
	v.SetDefault("worker.sessionTtl", 24)
	v.SetDefault("worker.selectionTtl", 24)
	v.SetDefault("worker.cleanupInterval", 60)

	// Worktree defaults
	v.SetDefault("worktree.enabled", true)
	v.SetDefault("worktree.basePath", "~/.cyrus/workspaces")
	v.SetDefault("worktree.defaultBranch", "main")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")

	// Repositories file defaults
	v.SetDefault("repositories.path", "~/.cyrus/repositories.yaml")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CYRUS_ with snake_case
// naming. The config file should be named config.yaml and placed in the
// current directory or ~/.cyrus/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CYRUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the config key
	// naming (AutomaticEnv does not convert camelCase keys).
	_ = v.BindEnv("database.path", "CYRUS_DATABASE_PATH")
	_ = v.BindEnv("repositories.path", "CYRUS_REPOSITORIES_PATH")
	_ = v.BindEnv("worker.drainTimeout", "CYRUS_WORKER_DRAIN_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.cyrus")
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Worker.DrainTimeout <= 0 {
		return fmt.Errorf("worker.drainTimeout must be positive")
	}
	if cfg.Worker.SessionTTL <= 0 {
		return fmt.Errorf("worker.sessionTtl must be positive")
	}
	return nil
}
