// Package config defines the application configuration and its viper-backed
// loading. Values resolve with the usual precedence: command-line flags over
// environment variables (LANCET_ prefix) over the config file over defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Retry    RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File sink settings, handled by lumberjack. Empty LogFile disables the
	// file sink entirely.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// PipelineConfig bounds session lifecycle and fan-out.
type PipelineConfig struct {
	// SessionRoot is the directory holding per-session work trees and audit
	// logs.
	SessionRoot string `mapstructure:"session_root" yaml:"session_root"`
	// SessionTimeout bounds one whole pipeline run.
	SessionTimeout time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	// SessionMaxAge is how long a session's files are kept before the
	// janitor sweeps them.
	SessionMaxAge time.Duration `mapstructure:"session_max_age" yaml:"session_max_age"`
	// SweepInterval is how often the janitor runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// RetryConfig is the uniform attempt policy the scheduler applies to every
// agent.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	// HeartbeatInterval is how often a live attempt signals liveness;
	// HeartbeatTimeout is how long the scheduler waits for a beat before
	// declaring the attempt hung.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
}

// ExecutorConfig points at the execution collaborator service.
type ExecutorConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// DatabaseConfig configures the optional Postgres summary sink. An empty DSN
// disables persistence; summaries then live only in the audit tree.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// SetDefaults registers every default on the given viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "lancet")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("pipeline.session_root", "./sessions")
	v.SetDefault("pipeline.session_timeout", 4*time.Hour)
	v.SetDefault("pipeline.session_max_age", 24*time.Hour)
	v.SetDefault("pipeline.sweep_interval", 15*time.Minute)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 2*time.Second)
	v.SetDefault("retry.max_backoff", 2*time.Minute)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.heartbeat_interval", 5*time.Second)
	v.SetDefault("retry.heartbeat_timeout", 2*time.Minute)

	v.SetDefault("executor.base_url", "http://localhost:8750")
	v.SetDefault("executor.request_timeout", 10*time.Minute)
	v.SetDefault("executor.requests_per_second", 0.0)
	v.SetDefault("executor.burst", 1)
}

// Load unmarshals and validates the full configuration from the given viper
// instance.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.SessionRoot == "" {
		return fmt.Errorf("invalid configuration: pipeline.session_root is required")
	}
	if c.Pipeline.SessionTimeout <= 0 {
		return fmt.Errorf("invalid configuration: pipeline.session_timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("invalid configuration: retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffMultiplier <= 1.0 {
		return fmt.Errorf("invalid configuration: retry.backoff_multiplier must exceed 1.0 for strictly increasing delays")
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("invalid configuration: retry backoff window is inconsistent")
	}
	if c.Retry.HeartbeatTimeout <= c.Retry.HeartbeatInterval {
		return fmt.Errorf("invalid configuration: retry.heartbeat_timeout must exceed retry.heartbeat_interval")
	}
	if c.Executor.BaseURL == "" {
		return fmt.Errorf("invalid configuration: executor.base_url is required")
	}
	switch c.Logger.Format {
	case "console", "json", "":
	default:
		return fmt.Errorf("invalid configuration: logger.format must be console or json")
	}
	return nil
}
