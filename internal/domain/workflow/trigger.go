package workflow

import "strings"

// Event represents a caller request that can cause a state transition
type Event string

// Offense events
const (
	EventStartProcessing    Event = "START_PROCESSING"
	EventCompleteProcessing Event = "COMPLETE_PROCESSING"
	EventSubmitAppeal       Event = "SUBMIT_APPEAL"
	EventApproveAppeal      Event = "APPROVE_APPEAL"
	EventRejectAppeal       Event = "REJECT_APPEAL"
	EventCancel             Event = "CANCEL"
	EventWithdrawAppeal     Event = "WITHDRAW_APPEAL"
)

// Appeal events
const (
	EventStartReview  Event = "START_REVIEW"
	EventApprove      Event = "APPROVE"
	EventReject       Event = "REJECT"
	EventWithdraw     Event = "WITHDRAW"
	EventReopenReview Event = "REOPEN_REVIEW"
)

// Payment events
const (
	EventPartialPay      Event = "PARTIAL_PAY"
	EventCompletePayment Event = "COMPLETE_PAYMENT"
	EventMarkOverdue     Event = "MARK_OVERDUE"
	EventWaiveFine       Event = "WAIVE_FINE"
	EventContinuePayment Event = "CONTINUE_PAYMENT"
)

// ParseEvent normalises a caller-supplied event name
func ParseEvent(s string) Event {
	return Event(strings.ToUpper(strings.TrimSpace(s)))
}

// String returns the string representation of the event
func (e Event) String() string {
	return string(e)
}
