// Package memory provides in-process implementations of the persistence ports.
//
// One writer at a time: a transaction holds the writer lock from its first
// statement until it returns, and a write outside a transaction takes it for
// that write alone. Reads never wait and may observe a transaction's writes
// before it finishes; a failed transaction undoes its writes in reverse order
// before releasing the lock, so no other writer can build on them.
// Intended for tests and single-process development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trafficops/offense-workflow/internal/application/port"
	"github.com/trafficops/offense-workflow/internal/domain/entity"
	"github.com/trafficops/offense-workflow/internal/domain/workflow"
)

type instanceKey struct {
	kind     workflow.Kind
	entityID string
}

type txKey struct{}

type memTx struct {
	undo []func()
}

// Store holds instances, ledger entries and history in memory
type Store struct {
	writer sync.Mutex

	mu            sync.Mutex
	instances     map[instanceKey]entity.WorkflowInstance
	ledger        map[string]entity.LedgerEntry
	history       []entity.TransitionHistory
	nextHistoryID int64
	now           func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		instances: make(map[instanceKey]entity.WorkflowInstance),
		ledger:    make(map[string]entity.LedgerEntry),
		now:       time.Now,
	}
}

// WithTransaction runs fn; if fn fails every write it made is undone
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*memTx); ok {
		return fn(ctx)
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	tx := &memTx{}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// write runs op under s.mu, taking the writer lock first unless ctx carries
// a transaction that already holds it
func (s *Store) write(ctx context.Context, op func() error) error {
	if _, ok := ctx.Value(txKey{}).(*memTx); !ok {
		s.writer.Lock()
		defer s.writer.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return op()
}

// onRollback registers an undo step; caller holds s.mu
func (s *Store) onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(txKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

// Instances returns the store as an InstanceRepository
func (s *Store) Instances() port.InstanceRepository { return (*instanceRepo)(s) }

// Ledger returns the store as a LedgerRepository
func (s *Store) Ledger() port.LedgerRepository { return (*ledgerRepo)(s) }

// History returns the store as a HistoryRepository
func (s *Store) History() port.HistoryRepository { return (*historyRepo)(s) }

type instanceRepo Store

func (r *instanceRepo) Create(ctx context.Context, instance *entity.WorkflowInstance) error {
	s := (*Store)(r)
	return s.write(ctx, func() error {
		k := instanceKey{instance.Kind, instance.EntityID}
		if _, exists := s.instances[k]; exists {
			return port.ErrDuplicateKey
		}
		s.instances[k] = *instance
		s.onRollback(ctx, func() { delete(s.instances, k) })
		return nil
	})
}

func (r *instanceRepo) Get(_ context.Context, kind workflow.Kind, entityID string) (*entity.WorkflowInstance, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	instance, ok := s.instances[instanceKey{kind, entityID}]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &instance, nil
}

func (r *instanceRepo) UpdateState(ctx context.Context, kind workflow.Kind, entityID string, newState workflow.State, expectedVersion int64) error {
	s := (*Store)(r)
	return s.write(ctx, func() error {
		k := instanceKey{kind, entityID}
		current, ok := s.instances[k]
		if !ok {
			return port.ErrNotFound
		}
		if current.Version != expectedVersion {
			return port.ErrVersionConflict
		}

		updated := current
		updated.State = newState
		updated.Version = expectedVersion + 1
		updated.UpdatedAt = s.now().UTC()
		s.instances[k] = updated

		s.onRollback(ctx, func() { s.instances[k] = current })
		return nil
	})
}

func (r *instanceRepo) SetLinkedEntity(ctx context.Context, kind workflow.Kind, entityID, linkedEntityID, expectedLinked string) error {
	s := (*Store)(r)
	return s.write(ctx, func() error {
		k := instanceKey{kind, entityID}
		current, ok := s.instances[k]
		if !ok {
			return port.ErrNotFound
		}
		if current.LinkedEntityID != expectedLinked {
			return port.ErrVersionConflict
		}

		updated := current
		updated.LinkedEntityID = linkedEntityID
		updated.UpdatedAt = s.now().UTC()
		s.instances[k] = updated

		s.onRollback(ctx, func() { s.instances[k] = current })
		return nil
	})
}

type ledgerRepo Store

func (r *ledgerRepo) Get(_ context.Context, key string) (*entity.LedgerEntry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ledger[key]
	if !ok {
		return nil, port.ErrNotFound
	}
	return &e, nil
}

func (r *ledgerRepo) Insert(ctx context.Context, entry *entity.LedgerEntry) error {
	s := (*Store)(r)
	return s.write(ctx, func() error {
		if _, exists := s.ledger[entry.IdempotencyKey]; exists {
			return port.ErrDuplicateKey
		}
		s.ledger[entry.IdempotencyKey] = *entry
		s.onRollback(ctx, func() { delete(s.ledger, entry.IdempotencyKey) })
		return nil
	})
}

func (r *ledgerRepo) Update(ctx context.Context, entry *entity.LedgerEntry, expectedStatus entity.LedgerStatus, expectedOwner string) error {
	s := (*Store)(r)
	return s.write(ctx, func() error {
		current, ok := s.ledger[entry.IdempotencyKey]
		if !ok {
			return port.ErrNotFound
		}
		if current.Status != expectedStatus || current.Owner != expectedOwner {
			return port.ErrVersionConflict
		}

		updated := current
		updated.Status = entry.Status
		updated.Result = entry.Result
		updated.Failure = entry.Failure
		updated.Owner = entry.Owner
		updated.LeaseExpiresAt = entry.LeaseExpiresAt
		updated.UpdatedAt = entry.UpdatedAt
		s.ledger[entry.IdempotencyKey] = updated

		s.onRollback(ctx, func() { s.ledger[entry.IdempotencyKey] = current })
		return nil
	})
}

func (r *ledgerRepo) CountExpiredPending(_ context.Context, now time.Time) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.ledger {
		if e.LeaseExpired(now) {
			n++
		}
	}
	return n, nil
}

type historyRepo Store

func (r *historyRepo) Create(ctx context.Context, history *entity.TransitionHistory) error {
	s := (*Store)(r)
	return s.write(ctx, func() error {
		s.nextHistoryID++
		history.ID = s.nextHistoryID
		s.history = append(s.history, *history)

		id := history.ID
		s.onRollback(ctx, func() {
			for i := range s.history {
				if s.history[i].ID == id {
					s.history = append(s.history[:i], s.history[i+1:]...)
					return
				}
			}
		})
		return nil
	})
}

func (r *historyRepo) ListByEntity(_ context.Context, kind workflow.Kind, entityID string) ([]*entity.TransitionHistory, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.TransitionHistory
	for i := range s.history {
		h := s.history[i]
		if h.Kind == kind && h.EntityID == entityID {
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Verify interface compliance
var (
	_ port.InstanceRepository = (*instanceRepo)(nil)
	_ port.LedgerRepository   = (*ledgerRepo)(nil)
	_ port.HistoryRepository  = (*historyRepo)(nil)
	_ port.TransactionManager = (*Store)(nil)
)
