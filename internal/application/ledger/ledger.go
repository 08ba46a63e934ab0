// Package ledger implements the idempotency ledger: the gate every mutating
// request passes before any workflow work is done.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/domain/apperr"
	"github.com/trafficops/offense-workflow/internal/domain/entity"
)

// Decision is the ledger's answer to Begin
type Decision string

const (
	// DecisionFresh grants the caller the exclusive right to execute
	DecisionFresh Decision = "FRESH"
	// DecisionAlreadyCompleted carries the recorded result
	DecisionAlreadyCompleted Decision = "ALREADY_COMPLETED"
	// DecisionAlreadyFailed carries the recorded failure
	DecisionAlreadyFailed Decision = "ALREADY_FAILED"
	// DecisionInProgress means another caller holds the key
	DecisionInProgress Decision = "IN_PROGRESS"
)

// Ticket proves ownership of a Pending entry
type Ticket struct {
	Key   string
	Owner string
}

// Outcome is returned by Begin
type Outcome struct {
	Decision Decision
	// Ticket is set only for DecisionFresh
	Ticket *Ticket
	// Result is set only for DecisionAlreadyCompleted
	Result json.RawMessage
	// Failure is set only for DecisionAlreadyFailed
	Failure *apperr.Error
}

// Ledger records (idempotency key -> outcome)
type Ledger interface {
	// Begin claims key for the caller or reports what happened to it. Waits up
	// to the configured timeout while another caller holds the key.
	Begin(ctx context.Context, key, fingerprint string) (*Outcome, error)

	// Commit moves the ticket's entry Pending -> Completed
	Commit(ctx context.Context, ticket *Ticket, result json.RawMessage) error

	// Fail moves the ticket's entry Pending -> Failed
	Fail(ctx context.Context, ticket *Ticket, failure *apperr.Error) error

	// Lookup returns the stored entry for key
	Lookup(ctx context.Context, key string) (*entity.LedgerEntry, error)
}

// Recorder receives ledger decisions for metrics
type Recorder interface {
	LedgerDecision(decision Decision)
}

const (
	DefaultWaitTimeout  = 3 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	DefaultLeaseTTL     = 30 * time.Second
)

type ledgerImpl struct {
	repo         port.LedgerRepository
	waitTimeout  time.Duration
	pollInterval time.Duration
	leaseTTL     time.Duration
	recorder     Recorder
	logger       *zap.Logger
	now          func() time.Time
	newOwner     func() string
}

// Option configures the ledger
type Option func(*ledgerImpl)

// WithWaitTimeout bounds how long Begin waits on a Pending entry
func WithWaitTimeout(d time.Duration) Option {
	return func(l *ledgerImpl) {
		l.waitTimeout = d
	}
}

// WithPollInterval sets how often Begin re-reads a Pending entry
func WithPollInterval(d time.Duration) Option {
	return func(l *ledgerImpl) {
		l.pollInterval = d
	}
}

// WithLeaseTTL sets how long a Pending entry blocks other callers before it may be taken over
func WithLeaseTTL(d time.Duration) Option {
	return func(l *ledgerImpl) {
		l.leaseTTL = d
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(l *ledgerImpl) {
		l.recorder = r
	}
}

// WithLogger sets the ledger logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *ledgerImpl) {
		l.logger = logger
	}
}

// WithClock overrides the time source used for lease bookkeeping
func WithClock(now func() time.Time) Option {
	return func(l *ledgerImpl) {
		l.now = now
	}
}

// New creates a ledger over repo
func New(repo port.LedgerRepository, opts ...Option) Ledger {
	l := &ledgerImpl{
		repo:         repo,
		waitTimeout:  DefaultWaitTimeout,
		pollInterval: DefaultPollInterval,
		leaseTTL:     DefaultLeaseTTL,
		logger:       zap.NewNop(),
		now:          time.Now,
		newOwner:     func() string { return uuid.New().String() },
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *ledgerImpl) Begin(ctx context.Context, key, fingerprint string) (*Outcome, error) {
	if key == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "idempotency key is required")
	}

	deadline := time.Now().Add(l.waitTimeout)
	for {
		outcome, err := l.try(ctx, key, fingerprint)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			l.record(outcome.Decision)
			return outcome, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return l.inProgress(key), nil
		}
		if wait > l.pollInterval {
			wait = l.pollInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return l.inProgress(key), nil
		case <-timer.C:
		}
	}
}

// try makes one attempt; a nil outcome means the key is held and the caller should wait
func (l *ledgerImpl) try(ctx context.Context, key, fingerprint string) (*Outcome, error) {
	existing, err := l.repo.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, port.ErrNotFound) {
			return nil, unavailable(err, key)
		}
		return l.insert(ctx, key, fingerprint)
	}

	if existing.Fingerprint != fingerprint {
		return nil, apperr.New(apperr.CodeIdempotencyKeyConflict,
			"idempotency key reused for a different request").
			With("idempotency_key", key)
	}

	switch existing.Status {
	case entity.LedgerStatusCompleted:
		return &Outcome{Decision: DecisionAlreadyCompleted, Result: existing.Result}, nil
	case entity.LedgerStatusFailed:
		return &Outcome{Decision: DecisionAlreadyFailed, Failure: existing.Failure}, nil
	}

	if existing.LeaseExpired(l.now()) {
		return l.takeOver(ctx, existing)
	}
	return nil, nil
}

func (l *ledgerImpl) insert(ctx context.Context, key, fingerprint string) (*Outcome, error) {
	now := l.now().UTC()
	entry := &entity.LedgerEntry{
		IdempotencyKey: key,
		Fingerprint:    fingerprint,
		Status:         entity.LedgerStatusPending,
		Owner:          l.newOwner(),
		LeaseExpiresAt: now.Add(l.leaseTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := l.repo.Insert(ctx, entry); err != nil {
		if errors.Is(err, port.ErrDuplicateKey) {
			// lost the race; the next read sees the winner's entry
			return l.try(ctx, key, fingerprint)
		}
		return nil, unavailable(err, key)
	}

	return fresh(entry), nil
}

func (l *ledgerImpl) takeOver(ctx context.Context, existing *entity.LedgerEntry) (*Outcome, error) {
	now := l.now().UTC()
	claimed := *existing
	claimed.Owner = l.newOwner()
	claimed.LeaseExpiresAt = now.Add(l.leaseTTL)
	claimed.UpdatedAt = now

	if err := l.repo.Update(ctx, &claimed, entity.LedgerStatusPending, existing.Owner); err != nil {
		if errors.Is(err, port.ErrVersionConflict) {
			return nil, nil
		}
		return nil, unavailable(err, existing.IdempotencyKey)
	}

	l.logger.Warn("Took over expired ledger lease",
		zap.String("idempotency_key", existing.IdempotencyKey),
		zap.String("previous_owner", existing.Owner),
		zap.Time("lease_expired_at", existing.LeaseExpiresAt))

	return fresh(&claimed), nil
}

func (l *ledgerImpl) Commit(ctx context.Context, ticket *Ticket, result json.RawMessage) error {
	return l.finish(ctx, ticket, entity.LedgerStatusCompleted, result, nil)
}

func (l *ledgerImpl) Fail(ctx context.Context, ticket *Ticket, failure *apperr.Error) error {
	if failure == nil {
		return apperr.New(apperr.CodeInvalidRequest, "failure is required")
	}
	return l.finish(ctx, ticket, entity.LedgerStatusFailed, nil, failure)
}

func (l *ledgerImpl) finish(ctx context.Context, ticket *Ticket, status entity.LedgerStatus, result json.RawMessage, failure *apperr.Error) error {
	if ticket == nil || ticket.Key == "" {
		return apperr.New(apperr.CodeInvalidRequest, "ledger ticket is required")
	}

	entry := &entity.LedgerEntry{
		IdempotencyKey: ticket.Key,
		Status:         status,
		Result:         result,
		Failure:        failure,
		Owner:          ticket.Owner,
		UpdatedAt:      l.now().UTC(),
	}

	err := l.repo.Update(ctx, entry, entity.LedgerStatusPending, ticket.Owner)
	if err == nil {
		l.logger.Debug("Ledger entry finished",
			zap.String("idempotency_key", ticket.Key),
			zap.String("status", status.String()))
		return nil
	}

	if errors.Is(err, port.ErrVersionConflict) || errors.Is(err, port.ErrNotFound) {
		return apperr.Wrap(apperr.CodeLeaseLost, err, "ledger entry is no longer held by this caller").
			With("idempotency_key", ticket.Key)
	}
	return unavailable(err, ticket.Key)
}

func (l *ledgerImpl) Lookup(ctx context.Context, key string) (*entity.LedgerEntry, error) {
	entry, err := l.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "ledger entry not found").
				With("idempotency_key", key)
		}
		return nil, unavailable(err, key)
	}
	return entry, nil
}

func (l *ledgerImpl) inProgress(key string) *Outcome {
	l.record(DecisionInProgress)
	l.logger.Debug("Idempotency key still in progress", zap.String("idempotency_key", key))
	return &Outcome{Decision: DecisionInProgress}
}

func (l *ledgerImpl) record(d Decision) {
	if l.recorder != nil {
		l.recorder.LedgerDecision(d)
	}
}

func fresh(entry *entity.LedgerEntry) *Outcome {
	return &Outcome{
		Decision: DecisionFresh,
		Ticket:   &Ticket{Key: entry.IdempotencyKey, Owner: entry.Owner},
	}
}

func unavailable(err error, key string) *apperr.Error {
	return apperr.Wrap(apperr.CodePersistenceUnavailable, err, "ledger store failure").
		With("idempotency_key", key)
}
