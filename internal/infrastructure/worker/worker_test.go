package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/domain/entity"
	"github.com/trafficops/offense-workflow/internal/infrastructure/persistence/memory"
)

type stubWorker struct {
	name     string
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
}

func (s *stubWorker) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started.Store(true)
	return nil
}

func (s *stubWorker) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *stubWorker) Name() string { return s.name }

type gaugeRecorder struct {
	value atomic.Int64
	calls atomic.Int64
}

func (g *gaugeRecorder) SetExpiredLeases(n int) {
	g.value.Store(int64(n))
	g.calls.Add(1)
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(zap.NewNop())
	ok := &stubWorker{name: "ok"}
	broken := &stubWorker{name: "broken", startErr: errors.New("no db")}
	m.Register(ok)
	m.Register(broken)
	assert.Equal(t, 2, m.Count())

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.True(t, ok.started.Load())
	assert.True(t, m.IsRunning())

	assert.Error(t, m.StartAll(context.Background()))

	require.NoError(t, m.StopAll())
	assert.True(t, ok.stopped.Load())
	assert.False(t, m.IsRunning())
	require.NoError(t, m.StopAll())
}

func TestLeaseMonitor_ReportsExpiredLeases(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, lease := range []time.Time{now.Add(-time.Minute), now.Add(-time.Second), now.Add(time.Hour)} {
		require.NoError(t, store.Ledger().Insert(ctx, &entity.LedgerEntry{
			IdempotencyKey: string(rune('a' + i)),
			Status:         entity.LedgerStatusPending,
			LeaseExpiresAt: lease,
		}))
	}

	gauge := &gaugeRecorder{}
	monitor := NewLeaseMonitor(store.Ledger(), gauge, time.Hour, zap.NewNop())
	require.NoError(t, monitor.Start(ctx))
	assert.Error(t, monitor.Start(ctx))

	assert.Eventually(t, func() bool { return gauge.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), gauge.value.Load())
	assert.Equal(t, 2, monitor.LastCount())

	require.NoError(t, monitor.Stop())
	require.NoError(t, monitor.Stop())
}
