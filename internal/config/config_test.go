package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3*time.Second, cfg.Ledger.WaitTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Ledger.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Ledger.LeaseTTL)
	assert.Equal(t, 3, cfg.Coordinator.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Worker.LeaseMonitorInterval)
	assert.Empty(t, cfg.Notification.WebhookURL)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
database:
  driver: memory
ledger:
  wait_timeout: 1s
  lease_ttl: 10s
coordinator:
  max_attempts: 5
`), 0644))

	t.Setenv("OFFENSE_WORKFLOW_LEDGER_POLL_INTERVAL", "20ms")
	t.Setenv("NOTIFICATION_WEBHOOK_URL", "http://audit.local/events")
	t.Setenv("NOTIFICATION_WEBHOOK_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, time.Second, cfg.Ledger.WaitTimeout)
	assert.Equal(t, 20*time.Millisecond, cfg.Ledger.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Ledger.LeaseTTL)
	assert.Equal(t, 5, cfg.Coordinator.MaxAttempts)
	assert.Equal(t, "http://audit.local/events", cfg.Notification.WebhookURL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Coordinator.MaxAttempts)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"negative rate limit", func(c *Config) { c.Server.RateLimitRPS = -1 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }},
		{"zero wait", func(c *Config) { c.Ledger.WaitTimeout = 0 }},
		{"zero poll", func(c *Config) { c.Ledger.PollInterval = 0 }},
		{"lease shorter than wait", func(c *Config) { c.Ledger.LeaseTTL = time.Second }},
		{"zero attempts", func(c *Config) { c.Coordinator.MaxAttempts = 0 }},
		{"zero monitor interval", func(c *Config) { c.Worker.LeaseMonitorInterval = 0 }},
		{"webhook without secret", func(c *Config) { c.Notification.WebhookURL = "http://audit.local" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestToContainerConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cc := cfg.ToContainerConfig()
	require.NoError(t, cc.Validate())
	assert.Equal(t, cfg.Database.Path, cc.Database.Path)
	assert.Equal(t, cfg.Ledger.LeaseTTL, cc.Ledger.LeaseTTL)
	assert.Equal(t, cfg.Coordinator.MaxAttempts, cc.Coordinator.MaxAttempts)
	assert.Equal(t, cfg.Server.Port, cc.Server.Port)
}
