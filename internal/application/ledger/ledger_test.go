package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/domain/apperr"
	"github.com/trafficops/offense-workflow/internal/domain/entity"
	"github.com/trafficops/offense-workflow/internal/infrastructure/persistence/memory"
)

type mockRecorder struct {
	mu        sync.Mutex
	decisions map[Decision]int
}

func (m *mockRecorder) LedgerDecision(d Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decisions == nil {
		m.decisions = make(map[Decision]int)
	}
	m.decisions[d]++
}

type failingRepo struct {
	port.LedgerRepository
	err error
}

func (f *failingRepo) Get(ctx context.Context, key string) (*entity.LedgerEntry, error) {
	return nil, f.err
}

func newTestLedger(repo port.LedgerRepository, opts ...Option) Ledger {
	base := []Option{
		WithWaitTimeout(80 * time.Millisecond),
		WithPollInterval(5 * time.Millisecond),
	}
	return New(repo, append(base, opts...)...)
}

func TestLedger_BeginFresh(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(store.Ledger())
	ctx := context.Background()

	outcome, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)
	assert.Equal(t, DecisionFresh, outcome.Decision)
	require.NotNil(t, outcome.Ticket)
	assert.Equal(t, "K1", outcome.Ticket.Key)
	assert.NotEmpty(t, outcome.Ticket.Owner)

	entry, err := l.Lookup(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, entity.LedgerStatusPending, entry.Status)
	assert.Equal(t, "fp", entry.Fingerprint)
	assert.Equal(t, outcome.Ticket.Owner, entry.Owner)
}

func TestLedger_CommitThenReplay(t *testing.T) {
	store := memory.NewStore()
	recorder := &mockRecorder{}
	l := newTestLedger(store.Ledger(), WithRecorder(recorder))
	ctx := context.Background()

	outcome, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)

	result := json.RawMessage(`{"new_state":"PROCESSING"}`)
	require.NoError(t, l.Commit(ctx, outcome.Ticket, result))

	replay, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)
	assert.Equal(t, DecisionAlreadyCompleted, replay.Decision)
	assert.JSONEq(t, string(result), string(replay.Result))
	assert.Nil(t, replay.Ticket)

	assert.Equal(t, 1, recorder.decisions[DecisionFresh])
	assert.Equal(t, 1, recorder.decisions[DecisionAlreadyCompleted])
}

func TestLedger_FailThenReplay(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(store.Ledger())
	ctx := context.Background()

	outcome, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)

	failure := apperr.New(apperr.CodeIllegalTransition, "offense cannot fire CANCEL from CANCELLED").
		With("current_state", "CANCELLED")
	require.NoError(t, l.Fail(ctx, outcome.Ticket, failure))

	replay, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)
	assert.Equal(t, DecisionAlreadyFailed, replay.Decision)
	require.NotNil(t, replay.Failure)
	assert.Equal(t, apperr.CodeIllegalTransition, replay.Failure.Code)
	assert.Equal(t, "CANCELLED", replay.Failure.Detail("current_state"))
}

func TestLedger_FingerprintMismatch(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(store.Ledger())
	ctx := context.Background()

	outcome, err := l.Begin(ctx, "K1", "fp-a")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, outcome.Ticket, json.RawMessage(`{}`)))

	_, err = l.Begin(ctx, "K1", "fp-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrIdempotencyKeyConflict))
	assert.False(t, apperr.IsRetryable(err))

	// a Pending entry is protected the same way
	_, err = l.Begin(ctx, "K2", "fp-a")
	require.NoError(t, err)
	_, err = l.Begin(ctx, "K2", "fp-b")
	assert.True(t, errors.Is(err, apperr.ErrIdempotencyKeyConflict))
}

func TestLedger_InProgressWaitsThenReportsInProgress(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(store.Ledger())
	ctx := context.Background()

	_, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)

	start := time.Now()
	outcome, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)
	assert.Equal(t, DecisionInProgress, outcome.Decision)
	assert.Nil(t, outcome.Ticket)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLedger_InProgressResolvesWhenHolderCommits(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(store.Ledger(), WithWaitTimeout(2*time.Second))
	ctx := context.Background()

	first, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = l.Commit(ctx, first.Ticket, json.RawMessage(`"done"`))
	}()

	second, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)
	assert.Equal(t, DecisionAlreadyCompleted, second.Decision)
	assert.Equal(t, `"done"`, string(second.Result))
}

func TestLedger_InProgressHonoursCallerCancellation(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(store.Ledger(), WithWaitTimeout(5*time.Second))

	_, err := l.Begin(context.Background(), "K1", "fp")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)
	assert.Equal(t, DecisionInProgress, outcome.Decision)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLedger_ConcurrentBeginGrantsOneFresh(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(store.Ledger(), WithWaitTimeout(10*time.Millisecond))
	ctx := context.Background()

	const callers = 8
	decisions := make([]Decision, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := l.Begin(ctx, "K1", "fp")
			if err == nil {
				decisions[i] = outcome.Decision
			}
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, d := range decisions {
		if d == DecisionFresh {
			fresh++
		} else {
			assert.Equal(t, DecisionInProgress, d)
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestLedger_ExpiredLeaseIsTakenOver(t *testing.T) {
	store := memory.NewStore()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := newTestLedger(store.Ledger(), WithLeaseTTL(time.Minute), WithClock(clock))
	ctx := context.Background()

	first, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	second, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)
	require.Equal(t, DecisionFresh, second.Decision)
	assert.NotEqual(t, first.Ticket.Owner, second.Ticket.Owner)

	// the crashed holder can no longer record an outcome
	err = l.Commit(ctx, first.Ticket, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, apperr.ErrLeaseLost))

	require.NoError(t, l.Commit(ctx, second.Ticket, json.RawMessage(`{"ok":true}`)))

	entry, err := l.Lookup(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, entity.LedgerStatusCompleted, entry.Status)
}

func TestLedger_CommitTwiceLosesLease(t *testing.T) {
	store := memory.NewStore()
	l := newTestLedger(store.Ledger())
	ctx := context.Background()

	outcome, err := l.Begin(ctx, "K1", "fp")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, outcome.Ticket, json.RawMessage(`1`)))

	err = l.Fail(ctx, outcome.Ticket, apperr.New(apperr.CodeIllegalTransition, "late"))
	assert.Equal(t, apperr.CodeLeaseLost, apperr.CodeOf(err))

	entry, err := l.Lookup(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, entity.LedgerStatusCompleted, entry.Status)
}

func TestLedger_Validation(t *testing.T) {
	l := newTestLedger(memory.NewStore().Ledger())
	ctx := context.Background()

	_, err := l.Begin(ctx, "", "fp")
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))

	err = l.Commit(ctx, nil, nil)
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))

	err = l.Fail(ctx, &Ticket{Key: "K", Owner: "o"}, nil)
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))

	_, err = l.Lookup(ctx, "missing")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestLedger_StoreUnavailable(t *testing.T) {
	l := newTestLedger(&failingRepo{err: port.ErrUnavailable})

	_, err := l.Begin(context.Background(), "K1", "fp")
	require.Error(t, err)
	assert.Equal(t, apperr.CodePersistenceUnavailable, apperr.CodeOf(err))
	assert.True(t, apperr.IsRetryable(err))
	assert.True(t, errors.Is(err, port.ErrUnavailable))
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint("payment", "P-1", "PARTIAL_PAY", json.RawMessage(`{"amount": 50, "currency":"EUR"}`))
	require.NoError(t, err)
	b, err := Fingerprint("payment", "P-1", "PARTIAL_PAY", json.RawMessage(`{"currency":"EUR","amount":50}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := Fingerprint("payment", "P-1", "PARTIAL_PAY", json.RawMessage(`{"currency":"EUR","amount":60}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := Fingerprint("payment", "P-2", "PARTIAL_PAY", json.RawMessage(`{"currency":"EUR","amount":50}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	empty, err := Fingerprint("offense", "O-1", "CANCEL", nil)
	require.NoError(t, err)
	blank, err := Fingerprint("offense", "O-1", "CANCEL", json.RawMessage("  "))
	require.NoError(t, err)
	assert.Equal(t, empty, blank)

	_, err = Fingerprint("offense", "O-1", "CANCEL", json.RawMessage(`{broken`))
	assert.Error(t, err)
}
