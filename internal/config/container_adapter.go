package config

import (
	"github.com/trafficops/offense-workflow/internal/container"
)

// ToContainerConfig converts the application Config to a container.Config.
// This provides a bridge between the file-based config loaded by viper
// and the container's configuration structure.
func (c *Config) ToContainerConfig() *container.Config {
	return &container.Config{
		Database: container.DatabaseConfig{
			Driver:          c.Database.Driver,
			Path:            c.Database.Path,
			MaxOpenConns:    c.Database.MaxOpenConns,
			MaxIdleConns:    c.Database.MaxIdleConns,
			ConnMaxLifetime: c.Database.ConnMaxLifetime,
		},
		Ledger: container.LedgerConfig{
			WaitTimeout:  c.Ledger.WaitTimeout,
			PollInterval: c.Ledger.PollInterval,
			LeaseTTL:     c.Ledger.LeaseTTL,
		},
		Coordinator: container.CoordinatorConfig{
			MaxAttempts: c.Coordinator.MaxAttempts,
		},
		Worker: container.WorkerConfig{
			LeaseMonitorInterval: c.Worker.LeaseMonitorInterval,
		},
		Notification: container.NotificationConfig{
			WebhookURL:     c.Notification.WebhookURL,
			WebhookSecret:  c.Notification.WebhookSecret,
			WebhookTimeout: c.Notification.WebhookTimeout,
		},
		Server: container.ServerConfig{
			Host:            c.Server.Host,
			Port:            c.Server.Port,
			ReadTimeout:     c.Server.ReadTimeout,
			WriteTimeout:    c.Server.WriteTimeout,
			ShutdownTimeout: c.Server.ShutdownTimeout,
			Mode:            c.Server.Mode,
			RateLimitRPS:    c.Server.RateLimitRPS,
			RateLimitBurst:  c.Server.RateLimitBurst,
		},
	}
}
