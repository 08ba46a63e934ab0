package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trafficops/offense-workflow/internal/domain/event"
	"github.com/trafficops/offense-workflow/internal/domain/workflow"
)

// mockLogger implements Logger for testing
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (m *mockLogger) Debug(msg string, keysAndValues ...interface{}) {}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

func (m *mockLogger) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}

type mockRecorder struct {
	delivered atomic.Int32
	failed    atomic.Int32
}

func (m *mockRecorder) NotificationDelivered(eventType string) { m.delivered.Add(1) }
func (m *mockRecorder) NotificationFailed(eventType string)    { m.failed.Add(1) }

func newSettledEvent() *event.Event {
	return event.NewEvent(event.TypePaymentSettled, workflow.KindPayment, "P-1", map[string]interface{}{
		"to_state": "PAID",
	})
}

func TestDispatch_RunsHandlersInOrder(t *testing.T) {
	d := NewDispatcher()
	var order []string

	d.Subscribe(event.TypePaymentSettled, "first", func(ctx context.Context, evt *event.Event) error {
		order = append(order, "first")
		return nil
	})
	d.Subscribe(event.TypePaymentSettled, "second", func(ctx context.Context, evt *event.Event) error {
		order = append(order, "second")
		return nil
	})

	if err := d.Dispatch(context.Background(), newSettledEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected [first second], got %v", order)
	}
}

func TestDispatch_JoinsHandlerErrors(t *testing.T) {
	logger := &mockLogger{}
	recorder := &mockRecorder{}
	d := NewDispatcher(WithLogger(logger), WithRecorder(recorder))
	errBoom := errors.New("boom")
	called := false

	d.Subscribe(event.TypePaymentSettled, "failing", func(ctx context.Context, evt *event.Event) error {
		return errBoom
	})
	d.Subscribe(event.TypePaymentSettled, "after", func(ctx context.Context, evt *event.Event) error {
		called = true
		return nil
	})

	err := d.Dispatch(context.Background(), newSettledEvent())
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected joined error to wrap errBoom, got %v", err)
	}
	if !called {
		t.Error("expected handler after the failing one to run")
	}
	if logger.ErrorCount() != 1 {
		t.Errorf("expected 1 error log, got %d", logger.ErrorCount())
	}
	if recorder.failed.Load() != 1 || recorder.delivered.Load() != 1 {
		t.Errorf("expected 1 failed and 1 delivered, got %d and %d", recorder.failed.Load(), recorder.delivered.Load())
	}
}

func TestDispatch_RecoversPanics(t *testing.T) {
	d := NewDispatcher()
	d.Subscribe(event.TypePaymentSettled, "panicky", func(ctx context.Context, evt *event.Event) error {
		panic("unexpected nil")
	})

	err := d.Dispatch(context.Background(), newSettledEvent())
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
}

func TestDispatch_OnlyMatchingType(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Subscribe(event.TypeAppealOpened, "appeal", func(ctx context.Context, evt *event.Event) error {
		called = true
		return nil
	})

	if err := d.Dispatch(context.Background(), newSettledEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("handler for another type should not run")
	}
}

func TestSubscribe_SameNameReplaces(t *testing.T) {
	d := NewDispatcher()
	noop := func(ctx context.Context, evt *event.Event) error { return nil }

	d.Subscribe(event.TypeAppealOpened, "audit", noop)
	d.Subscribe(event.TypeAppealOpened, "audit", noop)
	d.Subscribe(event.TypeAppealOpened, "metrics", noop)

	handlers := d.ListHandlers(event.TypeAppealOpened)
	if len(handlers) != 2 {
		t.Fatalf("expected 2 handlers, got %d", len(handlers))
	}
	for _, h := range handlers {
		if h.Handler != nil {
			t.Error("ListHandlers should not expose handler funcs")
		}
	}

	d.Unsubscribe(event.TypeAppealOpened, "audit")
	if got := len(d.ListHandlers(event.TypeAppealOpened)); got != 1 {
		t.Errorf("expected 1 handler after unsubscribe, got %d", got)
	}
}

func TestPublish_SurvivesCallerCancellation(t *testing.T) {
	d := NewDispatcher()
	var seen atomic.Int32
	done := make(chan error, 1)

	d.Subscribe(event.TypePaymentSettled, "slow", func(ctx context.Context, evt *event.Event) error {
		time.Sleep(20 * time.Millisecond)
		seen.Add(1)
		done <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.Publish(ctx, newSettledEvent())
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("handler saw cancelled context: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}

	if err := d.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if seen.Load() != 1 {
		t.Errorf("expected handler to run once, ran %d times", seen.Load())
	}
}

func TestClose(t *testing.T) {
	logger := &mockLogger{}
	d := NewDispatcher(WithLogger(logger))
	var ran atomic.Bool
	d.Subscribe(event.TypePaymentSettled, "h", func(ctx context.Context, evt *event.Event) error {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
		return nil
	})

	d.Publish(context.Background(), newSettledEvent())
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran.Load() {
		t.Error("Close should wait for in-flight handlers")
	}

	if err := d.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on second close, got %v", err)
	}
	if err := d.Dispatch(context.Background(), newSettledEvent()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Dispatch, got %v", err)
	}

	d.Publish(context.Background(), newSettledEvent())
	if logger.ErrorCount() != 1 {
		t.Errorf("expected dropped event to be logged, got %d errors", logger.ErrorCount())
	}
}

func TestClose_RacingPublishers(t *testing.T) {
	d := NewDispatcher(WithLogger(&mockLogger{}))
	var started, finished atomic.Int32
	d.Subscribe(event.TypePaymentSettled, "h", func(ctx context.Context, evt *event.Event) error {
		started.Add(1)
		time.Sleep(time.Millisecond)
		finished.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					d.Publish(context.Background(), newSettledEvent())
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	atClose := finished.Load()
	if started.Load() != atClose {
		t.Errorf("Close returned with %d handlers still running", started.Load()-atClose)
	}

	close(stop)
	wg.Wait()
	time.Sleep(5 * time.Millisecond)
	if started.Load() != atClose {
		t.Errorf("%d handlers ran after Close", started.Load()-atClose)
	}
}
