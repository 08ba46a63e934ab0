package entity

import (
	"encoding/json"
	"time"

	"github.com/trafficops/offense-workflow/internal/domain/apperr"
)

// LedgerStatus is the lifecycle status of an idempotency ledger entry
type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "PENDING"
	LedgerStatusCompleted LedgerStatus = "COMPLETED"
	LedgerStatusFailed    LedgerStatus = "FAILED"
)

// IsTerminal returns true once the entry's outcome is recorded
func (s LedgerStatus) IsTerminal() bool {
	return s == LedgerStatusCompleted || s == LedgerStatusFailed
}

// String returns the string representation of the status
func (s LedgerStatus) String() string {
	return string(s)
}

// LedgerEntry records the outcome of one idempotent request. Entries are never deleted.
type LedgerEntry struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Fingerprint    string          `json:"fingerprint"`
	Status         LedgerStatus    `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Failure        *apperr.Error   `json:"failure,omitempty"`

	// Owner is the token of the caller holding the Pending lease
	Owner          string    `json:"owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LeaseExpired reports whether a Pending entry's holder may be presumed gone
func (e *LedgerEntry) LeaseExpired(now time.Time) bool {
	return e.Status == LedgerStatusPending && !now.Before(e.LeaseExpiresAt)
}
