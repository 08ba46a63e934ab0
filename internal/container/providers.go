package container

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/coordinator"
	"github.com/trafficops/offense-workflow/internal/application/dispatcher"
	"github.com/trafficops/offense-workflow/internal/application/ledger"
	"github.com/trafficops/offense-workflow/internal/application/notification"
	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/application/workflow"
	"github.com/trafficops/offense-workflow/internal/infrastructure/external/webhook"
	"github.com/trafficops/offense-workflow/internal/infrastructure/persistence/memory"
	"github.com/trafficops/offense-workflow/internal/infrastructure/persistence/repository"
	"github.com/trafficops/offense-workflow/internal/infrastructure/persistence/sqlite"
	"github.com/trafficops/offense-workflow/internal/infrastructure/worker"
	"github.com/trafficops/offense-workflow/internal/metrics"
	"github.com/trafficops/offense-workflow/migrations"
	"github.com/trafficops/offense-workflow/pkg/database"
	"github.com/trafficops/offense-workflow/pkg/logging"
)

// DatabaseBundle holds the storage backend chosen by configuration.
type DatabaseBundle struct {
	// DB is nil for the memory driver
	DB           *database.DB
	TxManager    port.TransactionManager
	Repositories *RepositoryBundle
}

// HealthCheck pings the backing store
func (b *DatabaseBundle) HealthCheck(ctx context.Context) error {
	if b.DB == nil {
		return nil
	}
	return b.DB.HealthCheck(ctx)
}

// Close releases the backing store
func (b *DatabaseBundle) Close() error {
	if b.DB == nil {
		return nil
	}
	return b.DB.Close()
}

// WorkflowBundle holds the workflow core.
type WorkflowBundle struct {
	Engine      workflow.WorkflowEngine
	Ledger      ledger.Ledger
	Coordinator coordinator.Coordinator
}

// ProvideMetrics creates a registry carrying the service and runtime collectors.
func ProvideMetrics() (*metrics.Metrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(registry), registry
}

// ProvideDatabase opens the configured store and builds its repositories.
// The sqlite driver runs embedded migrations before returning.
func ProvideDatabase(cfg *DatabaseConfig, logger *zap.Logger) (*DatabaseBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if cfg.Driver == DriverMemory {
		store := memory.NewStore()
		logger.Warn("Using in-memory store; state is lost on exit")
		return &DatabaseBundle{
			TxManager: store,
			Repositories: &RepositoryBundle{
				Instance: store.Instances(),
				Ledger:   store.Ledger(),
				History:  store.History(),
			},
		}, nil
	}

	db, err := database.New(database.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	migrator := database.NewMigrator(db, logger)
	if _, err := migrator.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DatabaseBundle{
		DB:        db,
		TxManager: sqlite.NewDB(db.DB, logger),
		Repositories: &RepositoryBundle{
			Instance: repository.NewInstanceRepository(db.DB, logger),
			Ledger:   repository.NewLedgerRepository(db.DB, logger),
			History:  repository.NewHistoryRepository(db.DB, logger),
		},
	}, nil
}

// ProvideDispatcher creates the event dispatcher.
func ProvideDispatcher(logger *zap.Logger, m *metrics.Metrics) dispatcher.Dispatcher {
	return dispatcher.NewDispatcher(
		dispatcher.WithLogger(logging.NewKeyValueLogger(logger.Named("dispatcher"))),
		dispatcher.WithRecorder(m),
	)
}

// ProvideNotifications subscribes the audit log and, if configured,
// the webhook sink to cross-workflow events.
func ProvideNotifications(cfg *NotificationConfig, d dispatcher.Dispatcher, logger *zap.Logger) *notification.Subscriber {
	var sink notification.Sink
	if cfg.WebhookURL != "" {
		sink = webhook.NewSender(webhook.Config{
			URL:     cfg.WebhookURL,
			Secret:  cfg.WebhookSecret,
			Timeout: cfg.WebhookTimeout,
		}, logger.Named("webhook"))
	}

	subscriber := notification.NewSubscriber(logging.NewKeyValueLogger(logger.Named("audit")), sink)
	subscriber.Register(d)
	return subscriber
}

// WorkflowDeps holds dependencies for the workflow core.
type WorkflowDeps struct {
	Config       *Config
	Repositories *RepositoryBundle
	TxManager    port.TransactionManager
	Publisher    dispatcher.Publisher
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// ProvideWorkflow wires engine, ledger and coordinator.
func ProvideWorkflow(deps *WorkflowDeps) (*WorkflowBundle, error) {
	if deps == nil || deps.Config == nil || deps.Repositories == nil || deps.TxManager == nil {
		return nil, fmt.Errorf("workflow dependencies are incomplete")
	}

	engine := workflow.NewEngine(
		deps.Repositories.Instance,
		deps.Repositories.History,
		deps.TxManager,
		workflow.WithRecorder(deps.Metrics),
		workflow.WithLogger(deps.Logger.Named("engine")),
	)

	l := ledger.New(
		deps.Repositories.Ledger,
		ledger.WithWaitTimeout(deps.Config.Ledger.WaitTimeout),
		ledger.WithPollInterval(deps.Config.Ledger.PollInterval),
		ledger.WithLeaseTTL(deps.Config.Ledger.LeaseTTL),
		ledger.WithRecorder(deps.Metrics),
		ledger.WithLogger(deps.Logger.Named("ledger")),
	)

	opts := []coordinator.Option{
		coordinator.WithMaxAttempts(deps.Config.Coordinator.MaxAttempts),
		coordinator.WithRecorder(deps.Metrics),
		coordinator.WithLogger(deps.Logger.Named("coordinator")),
	}
	if deps.Publisher != nil {
		opts = append(opts, coordinator.WithPublisher(deps.Publisher))
	}

	return &WorkflowBundle{
		Engine:      engine,
		Ledger:      l,
		Coordinator: coordinator.New(l, engine, deps.TxManager, opts...),
	}, nil
}

// ProvideWorkers creates the worker manager and registers background workers.
func ProvideWorkers(cfg *WorkerConfig, ledgerRepo port.LedgerRepository, m *metrics.Metrics, logger *zap.Logger) *worker.Manager {
	manager := worker.NewManager(logger.Named("workers"))
	manager.Register(worker.NewLeaseMonitor(ledgerRepo, m, cfg.LeaseMonitorInterval, logger.Named("lease-monitor")))
	return manager
}
