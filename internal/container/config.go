// Package container provides dependency injection and lifecycle management
// for the offense workflow service.
package container

import (
	"fmt"
	"time"
)

// Database drivers
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config holds all configuration for the Container.
type Config struct {
	Database     DatabaseConfig
	Ledger       LedgerConfig
	Coordinator  CoordinatorConfig
	Worker       WorkerConfig
	Notification NotificationConfig
	Server       ServerConfig
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Driver is sqlite or memory
	Driver string

	// Path to SQLite database file
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// LedgerConfig holds idempotency ledger timing.
type LedgerConfig struct {
	// WaitTimeout bounds how long Begin waits on an InProgress entry
	WaitTimeout time.Duration

	// PollInterval is the re-read cadence while waiting
	PollInterval time.Duration

	// LeaseTTL is how long a Pending entry is owned before it can be taken over
	LeaseTTL time.Duration
}

// CoordinatorConfig holds process coordinator settings.
type CoordinatorConfig struct {
	// MaxAttempts bounds whole-operation retries on concurrent modification
	MaxAttempts int
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	LeaseMonitorInterval time.Duration
}

// NotificationConfig holds the optional webhook sink.
type NotificationConfig struct {
	WebhookURL     string
	WebhookSecret  string
	WebhookTimeout time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Mode            string
	RateLimitRPS    float64
	RateLimitBurst  int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			Path:            "data/offense_workflow.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Ledger: LedgerConfig{
			WaitTimeout:  3 * time.Second,
			PollInterval: 50 * time.Millisecond,
			LeaseTTL:     30 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			MaxAttempts: 3,
		},
		Worker: WorkerConfig{
			LeaseMonitorInterval: 30 * time.Second,
		},
		Notification: NotificationConfig{
			WebhookTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Mode:            "release",
		},
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Ledger.WaitTimeout <= 0 || c.Ledger.PollInterval <= 0 || c.Ledger.LeaseTTL <= 0 {
		return fmt.Errorf("ledger timings must be positive")
	}

	if c.Coordinator.MaxAttempts <= 0 {
		return fmt.Errorf("coordinator.max_attempts must be positive")
	}

	if c.Worker.LeaseMonitorInterval <= 0 {
		return fmt.Errorf("worker.lease_monitor_interval must be positive")
	}

	if c.Notification.WebhookURL != "" && c.Notification.WebhookSecret == "" {
		return fmt.Errorf("notification.webhook_secret is required when a webhook url is set")
	}

	return nil
}
