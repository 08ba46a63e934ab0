package event

import "github.com/trafficops/offense-workflow/internal/domain/workflow"

// Type identifies the type of domain event
type Type string

const (
	TypeTransitionApplied Type = "workflow.transition_applied"
	TypeAppealOpened      Type = "offense.appeal_opened"
	TypeAppealClosed      Type = "offense.appeal_closed"
	TypePaymentSettled    Type = "payment.settled"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeTransitionApplied,
		TypeAppealOpened,
		TypeAppealClosed,
		TypePaymentSettled:
		return true
	default:
		return false
	}
}

// TypesFor returns the notifications a committed transition produces.
// Every transition yields TypeTransitionApplied; offenses entering or leaving
// UNDER_APPEAL and payments reaching PAID or WAIVED yield one more.
func TypesFor(kind workflow.Kind, from, to workflow.State) []Type {
	types := []Type{TypeTransitionApplied}

	switch kind {
	case workflow.KindOffense:
		if to == workflow.StateUnderAppeal && from != workflow.StateUnderAppeal {
			types = append(types, TypeAppealOpened)
		}
		if from == workflow.StateUnderAppeal && to != workflow.StateUnderAppeal {
			types = append(types, TypeAppealClosed)
		}
	case workflow.KindPayment:
		if to == workflow.StatePaid || to == workflow.StateWaived {
			types = append(types, TypePaymentSettled)
		}
	}

	return types
}
