package workflow

import "fmt"

// TableBuilder builds the transition table of one workflow kind
type TableBuilder interface {
	// Configure returns a state configuration for the given state
	Configure(state State) StateConfiguration

	// Build freezes the configured rules into an immutable Table
	Build() *Table
}

// StateConfiguration configures transitions for a specific state
type StateConfiguration interface {
	// Permit allows an event to move the workflow to the target state
	Permit(event Event, toState State) StateConfiguration
}

// stateConfig implements StateConfiguration
type stateConfig struct {
	builder   *tableBuilder
	fromState State
}

// tableBuilder implements TableBuilder
type tableBuilder struct {
	kind        Kind
	transitions map[State]map[Event]State
}

// NewBuilder creates a table builder for the given kind
func NewBuilder(kind Kind) TableBuilder {
	if !kind.IsValid() {
		panic(fmt.Sprintf("invalid workflow kind: %s", kind))
	}
	return &tableBuilder{
		kind:        kind,
		transitions: make(map[State]map[Event]State),
	}
}

// Configure returns a state configuration for the given state
func (b *tableBuilder) Configure(state State) StateConfiguration {
	if !b.kind.HasState(state) {
		panic(fmt.Sprintf("invalid %s state: %s", b.kind, state))
	}
	if b.kind.IsTerminal(state) {
		panic(fmt.Sprintf("terminal %s state %s cannot have outgoing transitions", b.kind, state))
	}
	if _, exists := b.transitions[state]; !exists {
		b.transitions[state] = make(map[Event]State)
	}
	return &stateConfig{builder: b, fromState: state}
}

// Build freezes the configured rules. The returned table shares nothing with the builder.
func (b *tableBuilder) Build() *Table {
	copied := make(map[State]map[Event]State, len(b.transitions))
	for from, events := range b.transitions {
		row := make(map[Event]State, len(events))
		for e, to := range events {
			row[e] = to
		}
		copied[from] = row
	}
	return &Table{kind: b.kind, transitions: copied}
}

// Permit allows an event to move the workflow to the target state
func (c *stateConfig) Permit(event Event, toState State) StateConfiguration {
	kind := c.builder.kind
	if !kind.HasEvent(event) {
		panic(fmt.Sprintf("invalid %s event: %s", kind, event))
	}
	if !kind.HasState(toState) {
		panic(fmt.Sprintf("invalid %s target state: %s", kind, toState))
	}

	row := c.builder.transitions[c.fromState]
	if existing, dup := row[event]; dup && existing != toState {
		panic(fmt.Sprintf("ambiguous %s rule: %s --%s--> %s and %s", kind, c.fromState, event, existing, toState))
	}
	row[event] = toState

	return c
}
