package port

import (
	"context"
	"errors"
	"time"

	"github.com/trafficops/offense-workflow/internal/domain/entity"
	"github.com/trafficops/offense-workflow/internal/domain/workflow"
)

// Sentinel errors for persistence facts. Repositories return these (optionally
// wrapped) so the application layer can translate them into caller-facing errors.
var (
	// ErrNotFound is returned when the requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a conditioned write finds the record changed
	ErrVersionConflict = errors.New("version conflict")

	// ErrDuplicateKey is returned when inserting a record whose key already exists
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnavailable is returned when the store cannot be reached
	ErrUnavailable = errors.New("persistence unavailable")
)

// InstanceRepository defines persistence operations for WorkflowInstance
type InstanceRepository interface {
	// Create inserts a new instance; ErrDuplicateKey if (kind, entity id) exists
	Create(ctx context.Context, instance *entity.WorkflowInstance) error

	// Get reads one instance; ErrNotFound if absent
	Get(ctx context.Context, kind workflow.Kind, entityID string) (*entity.WorkflowInstance, error)

	// UpdateState writes newState and bumps the version only if the stored
	// version still equals expectedVersion; ErrVersionConflict otherwise
	UpdateState(ctx context.Context, kind workflow.Kind, entityID string, newState workflow.State, expectedVersion int64) error

	// SetLinkedEntity repoints the instance at linkedEntityID only if its
	// stored link still equals expectedLinked; ErrVersionConflict otherwise.
	// State and version are left alone.
	SetLinkedEntity(ctx context.Context, kind workflow.Kind, entityID, linkedEntityID, expectedLinked string) error
}

// LedgerRepository defines persistence operations for LedgerEntry
type LedgerRepository interface {
	// Get reads one entry; ErrNotFound if absent
	Get(ctx context.Context, key string) (*entity.LedgerEntry, error)

	// Insert creates a new entry; ErrDuplicateKey if the key exists
	Insert(ctx context.Context, entry *entity.LedgerEntry) error

	// Update overwrites status, result, failure, owner and lease only if the
	// stored entry still has expectedStatus and expectedOwner; ErrVersionConflict otherwise
	Update(ctx context.Context, entry *entity.LedgerEntry, expectedStatus entity.LedgerStatus, expectedOwner string) error

	// CountExpiredPending counts Pending entries whose lease ended before now
	CountExpiredPending(ctx context.Context, now time.Time) (int, error)
}

// HistoryRepository defines persistence operations for TransitionHistory
type HistoryRepository interface {
	Create(ctx context.Context, history *entity.TransitionHistory) error
	ListByEntity(ctx context.Context, kind workflow.Kind, entityID string) ([]*entity.TransitionHistory, error)
}

// TransactionManager handles database transactions. Nested calls join the
// transaction already carried by ctx.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
