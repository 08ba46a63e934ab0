package workflow

import (
	"fmt"
	"sort"
)

// Rule is one immutable (kind, from, event, to) tuple of a transition table
type Rule struct {
	Kind  Kind
	From  State
	Event Event
	To    State
}

// String renders the rule as "kind: FROM --EVENT--> TO"
func (r Rule) String() string {
	return fmt.Sprintf("%s: %s --%s--> %s", r.Kind, r.From, r.Event, r.To)
}

// Table is the deterministic (state, event) -> state mapping of one workflow kind.
// For every (state, event) pair there is at most one rule.
type Table struct {
	kind        Kind
	transitions map[State]map[Event]State
}

// Kind returns the workflow kind this table governs
func (t *Table) Kind() Kind {
	return t.kind
}

// Lookup returns the target state for (from, event) or false when the transition is illegal
func (t *Table) Lookup(from State, event Event) (State, bool) {
	row, ok := t.transitions[from]
	if !ok {
		return "", false
	}
	to, ok := row[event]
	return to, ok
}

// PermittedEvents returns the events legal in the given state, sorted by name
func (t *Table) PermittedEvents(from State) []Event {
	row := t.transitions[from]
	events := make([]Event, 0, len(row))
	for e := range row {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// Rules enumerates every rule of the table in (from, event) order
func (t *Table) Rules() []Rule {
	var rules []Rule
	for from, row := range t.transitions {
		for e, to := range row {
			rules = append(rules, Rule{Kind: t.kind, From: from, Event: e, To: to})
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].From != rules[j].From {
			return rules[i].From < rules[j].From
		}
		return rules[i].Event < rules[j].Event
	})
	return rules
}
