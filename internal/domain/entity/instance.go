package entity

import (
	"time"

	"github.com/trafficops/offense-workflow/internal/domain/workflow"
)

// WorkflowInstance is the workflow view of one offense, appeal or payment record.
// Only State and Version are written by the workflow engine.
type WorkflowInstance struct {
	Kind     workflow.Kind  `json:"kind"`
	EntityID string         `json:"entity_id"`
	State    workflow.State `json:"state"`
	Version  int64          `json:"version"`
	// LinkedEntityID points an appeal at the offense it contests
	LinkedEntityID string    `json:"linked_entity_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsTerminal returns true if the instance can no longer transition
func (i *WorkflowInstance) IsTerminal() bool {
	return i.Kind.IsTerminal(i.State)
}
