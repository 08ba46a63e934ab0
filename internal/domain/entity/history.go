package entity

import (
	"time"

	"github.com/trafficops/offense-workflow/internal/domain/workflow"
)

// TransitionHistory is the audit trail row written with every applied transition
type TransitionHistory struct {
	ID             int64          `json:"id"`
	Kind           workflow.Kind  `json:"kind"`
	EntityID       string         `json:"entity_id"`
	PreviousState  workflow.State `json:"previous_state"`
	NewState       workflow.State `json:"new_state"`
	Event          workflow.Event `json:"event"`
	Version        int64          `json:"version"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
