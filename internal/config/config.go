package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Coordinator  CoordinatorConfig  `mapstructure:"coordinator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logger       LoggerConfig       `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Mode            string        `mapstructure:"mode"`
	// RateLimitRPS caps mutation requests per client IP; 0 disables limiting
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig holds database configuration.
// Driver "memory" keeps everything in process and is meant for local runs.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LedgerConfig holds idempotency ledger timing
type LedgerConfig struct {
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

// CoordinatorConfig holds process coordinator settings
type CoordinatorConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// WorkerConfig holds background worker settings
type WorkerConfig struct {
	LeaseMonitorInterval time.Duration `mapstructure:"lease_monitor_interval"`
}

// NotificationConfig holds the external notification sink settings.
// An empty WebhookURL disables forwarding; the audit log is always written.
type NotificationConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from an optional yaml file, then environment
// variables prefixed OFFENSE_WORKFLOW_ (e.g. OFFENSE_WORKFLOW_LEDGER_LEASE_TTL)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OFFENSE_WORKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	// The file is optional; defaults and environment suffice
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 20)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/offense_workflow.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Ledger defaults
	v.SetDefault("ledger.wait_timeout", 3*time.Second)
	v.SetDefault("ledger.poll_interval", 50*time.Millisecond)
	v.SetDefault("ledger.lease_ttl", 30*time.Second)

	// Coordinator defaults
	v.SetDefault("coordinator.max_attempts", 3)

	// Worker defaults
	v.SetDefault("worker.lease_monitor_interval", 30*time.Second)

	// Notification defaults
	v.SetDefault("notification.webhook_timeout", 5*time.Second)

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds the short environment names used by deployments
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "OFFENSE_WORKFLOW_DB_PATH", "DATABASE_PATH")
	_ = v.BindEnv("server.port", "OFFENSE_WORKFLOW_PORT", "PORT")
	_ = v.BindEnv("notification.webhook_url", "NOTIFICATION_WEBHOOK_URL")
	_ = v.BindEnv("notification.webhook_secret", "NOTIFICATION_WEBHOOK_SECRET")
	_ = v.BindEnv("logger.level", "LOG_LEVEL")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must not be negative")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}

	if c.Ledger.WaitTimeout <= 0 {
		return fmt.Errorf("ledger.wait_timeout must be positive")
	}
	if c.Ledger.PollInterval <= 0 {
		return fmt.Errorf("ledger.poll_interval must be positive")
	}
	if c.Ledger.LeaseTTL <= 0 {
		return fmt.Errorf("ledger.lease_ttl must be positive")
	}
	if c.Ledger.LeaseTTL <= c.Ledger.WaitTimeout {
		return fmt.Errorf("ledger.lease_ttl must exceed ledger.wait_timeout")
	}

	if c.Coordinator.MaxAttempts <= 0 {
		return fmt.Errorf("coordinator.max_attempts must be positive")
	}

	if c.Worker.LeaseMonitorInterval <= 0 {
		return fmt.Errorf("worker.lease_monitor_interval must be positive")
	}

	if c.Notification.WebhookURL != "" && c.Notification.WebhookSecret == "" {
		return fmt.Errorf("notification.webhook_secret is required when notification.webhook_url is set")
	}

	return nil
}
