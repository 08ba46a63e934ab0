package container

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/coordinator"
	"github.com/trafficops/offense-workflow/internal/application/dispatcher"
	"github.com/trafficops/offense-workflow/internal/application/ledger"
	"github.com/trafficops/offense-workflow/internal/application/notification"
	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/application/workflow"
	"github.com/trafficops/offense-workflow/internal/infrastructure/worker"
	httpiface "github.com/trafficops/offense-workflow/internal/interfaces/http"
	"github.com/trafficops/offense-workflow/internal/metrics"
	"github.com/trafficops/offense-workflow/pkg/logging"
)

// Container manages all application dependencies and lifecycle.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config *Config
	logger *zap.Logger

	// Observability
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	// Infrastructure - Data
	database *DatabaseBundle

	// Application
	dispatcher    dispatcher.Dispatcher
	notifications *notification.Subscriber
	workflow      *WorkflowBundle

	// Workers
	workers *worker.Manager

	// Interfaces
	server *httpiface.Server

	// Lifecycle
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// RepositoryBundle groups all repositories for convenient access.
type RepositoryBundle struct {
	Instance port.InstanceRepository
	Ledger   port.LedgerRepository
	History  port.HistoryRepository
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config: cfg,
		logger: logger,
	}, nil
}

// Start initializes all components and starts background workers.
// Order:
// 1. Metrics registry
// 2. Database and repositories
// 3. Event dispatcher and notification subscribers
// 4. Workflow engine, ledger and coordinator
// 5. Workers
// 6. HTTP server (not listening until Server().Start)
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}

	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	c.metrics, c.registry = ProvideMetrics()

	database, err := ProvideDatabase(&c.config.Database, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.database = database
	c.logger.Info("Database initialized", zap.String("driver", c.config.Database.Driver))

	c.dispatcher = ProvideDispatcher(c.logger, c.metrics)
	c.notifications = ProvideNotifications(&c.config.Notification, c.dispatcher, c.logger)
	c.logger.Info("Dispatcher initialized",
		zap.Bool("webhook_enabled", c.config.Notification.WebhookURL != ""))

	c.workflow, err = ProvideWorkflow(&WorkflowDeps{
		Config:       c.config,
		Repositories: c.database.Repositories,
		TxManager:    c.database.TxManager,
		Publisher:    c.dispatcher,
		Metrics:      c.metrics,
		Logger:       c.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize workflow: %w", err)
	}
	c.logger.Info("Workflow core initialized")

	c.workers = ProvideWorkers(&c.config.Worker, c.database.Repositories.Ledger, c.metrics, c.logger)
	if err := c.workers.StartAll(c.ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}
	c.logger.Info("Workers started", zap.Int("count", c.workers.Count()))

	c.server = httpiface.NewServer(
		httpiface.ServerConfig{
			Host:            c.config.Server.Host,
			Port:            c.config.Server.Port,
			ReadTimeout:     c.config.Server.ReadTimeout,
			WriteTimeout:    c.config.Server.WriteTimeout,
			ShutdownTimeout: c.config.Server.ShutdownTimeout,
			Mode:            c.config.Server.Mode,
		},
		c.workflow.Coordinator,
		c.workflow.Engine,
		logging.NewKeyValueLogger(c.logger.Named("http")),
		httpiface.WithRecorder(c.metrics),
		httpiface.WithHealthCheck(c.healthCheck),
		httpiface.WithMetricsHandler(promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})),
		httpiface.WithRateLimit(c.config.Server.RateLimitRPS, c.config.Server.RateLimitBurst),
	)

	c.ready.Store(true)
	c.logger.Info("Container started successfully")

	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")

	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			c.logger.Error("Failed to stop workers", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		} else {
			c.logger.Info("Workers stopped")
		}
	}

	// Drains in-flight notifications before the store goes away
	if c.dispatcher != nil {
		if c.notifications != nil {
			c.notifications.Unregister(c.dispatcher)
		}
		if err := c.dispatcher.Close(); err != nil {
			c.logger.Error("Failed to close dispatcher", zap.Error(err))
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
	}

	if c.database != nil {
		if err := c.database.Close(); err != nil {
			c.logger.Error("Failed to close database", zap.Error(err))
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	c.ready.Store(false)
	c.closed.Store(true)

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	checks := []struct {
		name  string
		check func() ComponentHealth
	}{
		{"database", func() ComponentHealth {
			if c.database == nil {
				return ComponentHealth{Message: "not initialized"}
			}
			if err := c.database.HealthCheck(ctx); err != nil {
				return ComponentHealth{Message: fmt.Sprintf("ping failed: %v", err)}
			}
			return ComponentHealth{Healthy: true}
		}},
		{"workers", func() ComponentHealth {
			if c.workers == nil {
				return ComponentHealth{Message: "not initialized"}
			}
			return ComponentHealth{
				Healthy: c.workers.IsRunning(),
				Message: fmt.Sprintf("%d registered", c.workers.Count()),
			}
		}},
		{"coordinator", func() ComponentHealth {
			if c.workflow == nil || c.dispatcher == nil {
				return ComponentHealth{Message: "not initialized"}
			}
			return ComponentHealth{Healthy: true}
		}},
		{"notifications", func() ComponentHealth {
			if c.dispatcher == nil || c.notifications == nil {
				return ComponentHealth{Message: "not initialized"}
			}
			if !c.notifications.Attached(c.dispatcher) {
				return ComponentHealth{Message: "audit log detached"}
			}
			return ComponentHealth{Healthy: true}
		}},
	}

	status := &HealthStatus{Overall: true, Components: make(map[string]ComponentHealth, len(checks))}
	for _, p := range checks {
		h := p.check()
		status.Components[p.name] = h
		status.Overall = status.Overall && h.Healthy
	}
	return status
}

// healthCheck backs GET /health; it fails naming every unhealthy component.
func (c *Container) healthCheck(ctx context.Context) error {
	status := c.Health(ctx)
	if status.Overall {
		return nil
	}

	var failing []string
	for name, h := range status.Components {
		if !h.Healthy {
			failing = append(failing, fmt.Sprintf("%s: %s", name, h.Message))
		}
	}
	sort.Strings(failing)
	return fmt.Errorf("unhealthy components: %s", strings.Join(failing, "; "))
}

// Coordinator returns the process coordinator.
func (c *Container) Coordinator() coordinator.Coordinator {
	return c.workflow.Coordinator
}

// WorkflowEngine returns the workflow engine.
func (c *Container) WorkflowEngine() workflow.WorkflowEngine {
	return c.workflow.Engine
}

// Ledger returns the idempotency ledger.
func (c *Container) Ledger() ledger.Ledger {
	return c.workflow.Ledger
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// Repositories returns the repository bundle.
func (c *Container) Repositories() *RepositoryBundle {
	return c.database.Repositories
}

// Workers returns the worker manager.
func (c *Container) Workers() *worker.Manager {
	return c.workers
}

// Server returns the HTTP server.
func (c *Container) Server() *httpiface.Server {
	return c.server
}

// Metrics returns the Prometheus collectors.
func (c *Container) Metrics() *metrics.Metrics {
	return c.metrics
}

// Logger returns the container's logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Config returns the container's configuration.
func (c *Container) Config() *Config {
	return c.config
}
