package workflow

import (
	"context"

	"github.com/trafficops/offense-workflow/internal/domain/entity"
	domainwf "github.com/trafficops/offense-workflow/internal/domain/workflow"
)

// Command asks the engine to fire one event against one instance
type Command struct {
	Kind     domainwf.Kind
	EntityID string
	Event    domainwf.Event
	// IdempotencyKey is recorded in the transition history, if set
	IdempotencyKey string
}

// Transition describes a committed state change
type Transition struct {
	Kind     domainwf.Kind  `json:"kind"`
	EntityID string         `json:"entity_id"`
	Event    domainwf.Event `json:"event"`
	From     domainwf.State `json:"from_state"`
	To       domainwf.State `json:"to_state"`
	Version  int64          `json:"version"`
}

// WorkflowEngine validates events against the transition tables and applies
// them with an optimistic version check. It never retries on its own.
type WorkflowEngine interface {
	// Register creates an instance in its kind's initial state
	Register(ctx context.Context, kind domainwf.Kind, entityID, linkedEntityID string) (*entity.WorkflowInstance, error)

	// Apply reads the instance, looks up (state, event) and performs a conditioned write
	Apply(ctx context.Context, cmd Command) (*Transition, error)

	// GetInstance returns the stored instance
	GetInstance(ctx context.Context, kind domainwf.Kind, entityID string) (*entity.WorkflowInstance, error)

	// PermittedEvents returns the events legal from the instance's current state
	PermittedEvents(ctx context.Context, kind domainwf.Kind, entityID string) ([]domainwf.Event, error)

	// History returns the applied transitions of an instance, oldest first
	History(ctx context.Context, kind domainwf.Kind, entityID string) ([]*entity.TransitionHistory, error)
}
