package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/port"
)

// LeaseGauge receives the latest stale-lease count
type LeaseGauge interface {
	SetExpiredLeases(n int)
}

// LeaseMonitor periodically counts Pending ledger entries whose lease has
// expired. Such entries are taken over by the next retry with the same key;
// a growing count means holders are crashing or stalling.
type LeaseMonitor struct {
	ledgerRepo port.LedgerRepository
	gauge      LeaseGauge
	logger     *zap.Logger
	interval   time.Duration
	now        func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	last    int
}

// NewLeaseMonitor creates a new lease monitor; gauge may be nil
func NewLeaseMonitor(ledgerRepo port.LedgerRepository, gauge LeaseGauge, interval time.Duration, logger *zap.Logger) *LeaseMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LeaseMonitor{
		ledgerRepo: ledgerRepo,
		gauge:      gauge,
		logger:     logger,
		interval:   interval,
		now:        time.Now,
	}
}

// Name returns the worker name for identification
func (w *LeaseMonitor) Name() string {
	return "LeaseMonitor"
}

// Start launches the polling loop
func (w *LeaseMonitor) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("lease monitor is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.pollLoop(loopCtx, w.done)

	w.logger.Info("LeaseMonitor started", zap.Duration("interval", w.interval))
	return nil
}

// Stop ends the polling loop and waits for it to exit
func (w *LeaseMonitor) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
	return nil
}

// LastCount returns the most recent count
func (w *LeaseMonitor) LastCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *LeaseMonitor) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *LeaseMonitor) check(ctx context.Context) {
	count, err := w.ledgerRepo.CountExpiredPending(ctx, w.now())
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("Failed to count expired ledger leases", zap.Error(err))
		}
		return
	}

	w.mu.Lock()
	w.last = count
	w.mu.Unlock()

	if w.gauge != nil {
		w.gauge.SetExpiredLeases(count)
	}
	if count > 0 {
		w.logger.Warn("Pending ledger entries with expired leases",
			zap.Int("count", count))
	}
}
