package workflow

import "sort"

// Link binds an event on one workflow to the event it drives on a linked workflow.
// Both transitions are applied as one unit or not at all.
type Link struct {
	Source      Kind
	SourceEvent Event
	Target      Kind
	TargetEvent Event
	// WhileTargetIn limits the link to targets in these states. Outside them
	// the source event applies on its own. Empty means always linked.
	WhileTargetIn []State
}

// Conditional reports whether the source event may apply without the target
func (l Link) Conditional() bool {
	return len(l.WhileTargetIn) > 0
}

// AppliesTo reports whether a target currently in state must follow
func (l Link) AppliesTo(state State) bool {
	if !l.Conditional() {
		return true
	}
	for _, s := range l.WhileTargetIn {
		if s == state {
			return true
		}
	}
	return false
}

// openAppealStates hold the contested offense in UNDER_APPEAL
var openAppealStates = []State{StateUnhandled, StateUnderReview}

// IsOpenAppeal reports whether an appeal in state still holds its offense under appeal
func IsOpenAppeal(state State) bool {
	for _, s := range openAppealStates {
		if s == state {
			return true
		}
	}
	return false
}

type linkKey struct {
	kind  Kind
	event Event
}

var links = map[linkKey]Link{
	{KindAppeal, EventWithdraw}:     {KindAppeal, EventWithdraw, KindOffense, EventWithdrawAppeal, nil},
	{KindAppeal, EventApprove}:      {KindAppeal, EventApprove, KindOffense, EventApproveAppeal, nil},
	{KindAppeal, EventReject}:       {KindAppeal, EventReject, KindOffense, EventRejectAppeal, nil},
	{KindAppeal, EventReopenReview}: {KindAppeal, EventReopenReview, KindOffense, EventSubmitAppeal, nil},

	// resolving the offense directly drags an open appeal along
	{KindOffense, EventWithdrawAppeal}: {KindOffense, EventWithdrawAppeal, KindAppeal, EventWithdraw, openAppealStates},
	{KindOffense, EventApproveAppeal}:  {KindOffense, EventApproveAppeal, KindAppeal, EventApprove, openAppealStates},
	{KindOffense, EventRejectAppeal}:   {KindOffense, EventRejectAppeal, KindAppeal, EventReject, openAppealStates},
}

// LinkFor returns the linked transition driven by (kind, event), if any
func LinkFor(kind Kind, event Event) (Link, bool) {
	l, ok := links[linkKey{kind, event}]
	return l, ok
}

// Links returns every link rule
func Links() []Link {
	out := make([]Link, 0, len(links))
	for _, l := range links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].SourceEvent < out[j].SourceEvent
	})
	return out
}
