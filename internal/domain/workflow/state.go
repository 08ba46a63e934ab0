package workflow

// State represents a workflow state. Values are unique across kinds.
type State string

// Offense states
const (
	StateUnprocessed    State = "UNPROCESSED"
	StateProcessing     State = "PROCESSING"
	StateProcessed      State = "PROCESSED"
	StateUnderAppeal    State = "UNDER_APPEAL"
	StateAppealApproved State = "APPEAL_APPROVED"
	StateAppealRejected State = "APPEAL_REJECTED"
	StateCancelled      State = "CANCELLED"
)

// Appeal states
const (
	StateUnhandled   State = "UNHANDLED"
	StateUnderReview State = "UNDER_REVIEW"
	StateApproved    State = "APPROVED"
	StateRejected    State = "REJECTED"
	StateWithdrawn   State = "WITHDRAWN"
)

// Payment states
const (
	StateUnpaid        State = "UNPAID"
	StatePartiallyPaid State = "PARTIALLY_PAID"
	StatePaid          State = "PAID"
	StateOverdue       State = "OVERDUE"
	StateWaived        State = "WAIVED"
)

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}
