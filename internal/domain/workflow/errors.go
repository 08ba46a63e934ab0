package workflow

import "errors"

var (
	// ErrInvalidTransition is returned when no rule matches (state, event)
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInvalidState is returned when a state does not belong to the workflow kind
	ErrInvalidState = errors.New("invalid state")

	// ErrUnknownKind is returned for an unrecognised workflow kind
	ErrUnknownKind = errors.New("unknown workflow kind")

	// ErrUnknownEvent is returned when an event does not belong to the workflow kind
	ErrUnknownEvent = errors.New("unknown workflow event")
)
