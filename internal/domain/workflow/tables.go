package workflow

import "fmt"

var tables = map[Kind]*Table{
	KindOffense: buildOffenseTable(),
	KindAppeal:  buildAppealTable(),
	KindPayment: buildPaymentTable(),
}

// TableFor returns the static transition table of a kind
func TableFor(kind Kind) (*Table, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return t, nil
}

// Lookup resolves (kind, from, event) against the static tables
func Lookup(kind Kind, from State, event Event) (State, bool) {
	t, ok := tables[kind]
	if !ok {
		return "", false
	}
	return t.Lookup(from, event)
}

// AllRules enumerates the rules of every kind
func AllRules() []Rule {
	var rules []Rule
	for _, k := range Kinds() {
		rules = append(rules, tables[k].Rules()...)
	}
	return rules
}

func buildOffenseTable() *Table {
	b := NewBuilder(KindOffense)

	b.Configure(StateUnprocessed).
		Permit(EventStartProcessing, StateProcessing).
		Permit(EventCancel, StateCancelled)

	b.Configure(StateProcessing).
		Permit(EventCompleteProcessing, StateProcessed).
		Permit(EventCancel, StateCancelled)

	b.Configure(StateProcessed).
		Permit(EventSubmitAppeal, StateUnderAppeal).
		Permit(EventCancel, StateCancelled)

	b.Configure(StateUnderAppeal).
		Permit(EventApproveAppeal, StateAppealApproved).
		Permit(EventRejectAppeal, StateAppealRejected).
		Permit(EventWithdrawAppeal, StateProcessed)

	// A rejected appeal may be re-opened, which puts the offense back under appeal
	b.Configure(StateAppealRejected).
		Permit(EventSubmitAppeal, StateUnderAppeal).
		Permit(EventCancel, StateCancelled)

	return b.Build()
}

func buildAppealTable() *Table {
	b := NewBuilder(KindAppeal)

	b.Configure(StateUnhandled).
		Permit(EventStartReview, StateUnderReview).
		Permit(EventWithdraw, StateWithdrawn)

	b.Configure(StateUnderReview).
		Permit(EventApprove, StateApproved).
		Permit(EventReject, StateRejected).
		Permit(EventWithdraw, StateWithdrawn)

	b.Configure(StateRejected).
		Permit(EventReopenReview, StateUnderReview)

	return b.Build()
}

func buildPaymentTable() *Table {
	b := NewBuilder(KindPayment)

	b.Configure(StateUnpaid).
		Permit(EventPartialPay, StatePartiallyPaid).
		Permit(EventCompletePayment, StatePaid).
		Permit(EventMarkOverdue, StateOverdue).
		Permit(EventWaiveFine, StateWaived)

	b.Configure(StatePartiallyPaid).
		Permit(EventPartialPay, StatePartiallyPaid).
		Permit(EventCompletePayment, StatePaid).
		Permit(EventMarkOverdue, StateOverdue).
		Permit(EventWaiveFine, StateWaived)

	b.Configure(StateOverdue).
		Permit(EventContinuePayment, StatePartiallyPaid).
		Permit(EventCompletePayment, StatePaid).
		Permit(EventWaiveFine, StateWaived)

	return b.Build()
}
