package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Kind selects which transition table applies to a workflow instance
type Kind string

const (
	KindOffense Kind = "offense"
	KindAppeal  Kind = "appeal"
	KindPayment Kind = "payment"
)

// kindVocab describes the vocabulary of one workflow kind
type kindVocab struct {
	initial  State
	states   map[State]bool
	terminal map[State]bool
	events   map[Event]bool
}

var kinds = map[Kind]kindVocab{
	KindOffense: {
		initial: StateUnprocessed,
		states: setOf(StateUnprocessed, StateProcessing, StateProcessed, StateUnderAppeal,
			StateAppealApproved, StateAppealRejected, StateCancelled),
		terminal: setOf(StateCancelled, StateAppealApproved),
		events: eventSetOf(EventStartProcessing, EventCompleteProcessing, EventSubmitAppeal,
			EventApproveAppeal, EventRejectAppeal, EventCancel, EventWithdrawAppeal),
	},
	KindAppeal: {
		initial:  StateUnhandled,
		states:   setOf(StateUnhandled, StateUnderReview, StateApproved, StateRejected, StateWithdrawn),
		terminal: setOf(StateApproved, StateWithdrawn),
		events:   eventSetOf(EventStartReview, EventApprove, EventReject, EventWithdraw, EventReopenReview),
	},
	KindPayment: {
		initial:  StateUnpaid,
		states:   setOf(StateUnpaid, StatePartiallyPaid, StatePaid, StateOverdue, StateWaived),
		terminal: setOf(StatePaid, StateWaived),
		events: eventSetOf(EventPartialPay, EventCompletePayment, EventMarkOverdue,
			EventWaiveFine, EventContinuePayment),
	},
}

// Kinds returns all workflow kinds in a stable order
func Kinds() []Kind {
	return []Kind{KindOffense, KindAppeal, KindPayment}
}

// ParseKind converts a caller-supplied name into a Kind
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// String returns the string representation of the kind
func (k Kind) String() string {
	return string(k)
}

// IsValid returns true if the kind is one of the known workflow kinds
func (k Kind) IsValid() bool {
	_, ok := kinds[k]
	return ok
}

// InitialState returns the state every new instance of this kind starts in
func (k Kind) InitialState() State {
	return kinds[k].initial
}

// HasState reports whether s belongs to this kind's vocabulary
func (k Kind) HasState(s State) bool {
	return kinds[k].states[s]
}

// HasEvent reports whether e belongs to this kind's vocabulary
func (k Kind) HasEvent(e Event) bool {
	return kinds[k].events[e]
}

// IsTerminal returns true if no further transitions are allowed from s
func (k Kind) IsTerminal(s State) bool {
	return kinds[k].terminal[s]
}

// States returns the kind's states sorted by name
func (k Kind) States() []State {
	out := make([]State, 0, len(kinds[k].states))
	for s := range kinds[k].states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Events returns the kind's events sorted by name
func (k Kind) Events() []Event {
	out := make([]Event, 0, len(kinds[k].events))
	for e := range kinds[k].events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func setOf(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

func eventSetOf(events ...Event) map[Event]bool {
	m := make(map[Event]bool, len(events))
	for _, e := range events {
		m[e] = true
	}
	return m
}
