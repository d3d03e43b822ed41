package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "lancet", cfg.Logger.ServiceName)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialBackoff)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
	assert.Equal(t, 4*time.Hour, cfg.Pipeline.SessionTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.SessionMaxAge)
	assert.Empty(t, cfg.Database.DSN, "summary sink is opt-in")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"flat backoff", func(c *Config) { c.Retry.BackoffMultiplier = 1.0 }, "backoff_multiplier"},
		{"inverted backoff window", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }, "backoff window"},
		{"heartbeat window", func(c *Config) { c.Retry.HeartbeatTimeout = time.Second }, "heartbeat_timeout"},
		{"missing session root", func(c *Config) { c.Pipeline.SessionRoot = "" }, "session_root"},
		{"missing executor", func(c *Config) { c.Executor.BaseURL = "" }, "executor.base_url"},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromOverrides(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("retry.max_attempts", 5)
	v.Set("executor.base_url", "http://scanner:9000")
	v.Set("database.dsn", "postgres://lancet@db/lancet")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "http://scanner:9000", cfg.Executor.BaseURL)
	assert.Equal(t, "postgres://lancet@db/lancet", cfg.Database.DSN)
}
