// Package transition decides the next intended action of an escrow request
// from its current action and a freshly observed on-chain state.
//
// Each role has a literal two-dimensional table covering every
// (action, state) pair. The tables are validated for completeness when they
// are built; a missing pair is a programming error and Decide reports it as
// ErrUndefinedTransition instead of falling back to any default.
package transition

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
)

var ErrUndefinedTransition = errors.New("transition: undefined transition")

// Diagnostic notes written to nextAction.errorNote. Each names a distinct
// failure category so operators can tell our own bugs from outside actors.
const (
	// The ledger considered the escrow finished but the chain disagrees.
	NoteInvalidStateEnd = "invalid state end"
	// A submitted transaction was contradicted, most likely by another actor.
	NoteInvalidStateExternal = "invalid state external"
	// An intent that was never submitted was overtaken by a state it cannot follow.
	NoteInvalidStateUnexpected = "invalid state unexpected"
	// The escrow was funded with the wrong amount or an invalid datum.
	NoteAmountMismatch = "amount mismatch: funds or datum invalid"
	// A submitted transaction never produced its expected state.
	NoteTransactionTimeout = "invalid state timeout"
)

// ReconfirmNote is recorded on a WaitingForManualAction record that had no note.
func ReconfirmNote(observed escrow.OnChainState) string {
	return "manual action required, observed " + string(observed)
}

type ruleKind int

const (
	// keep the current action and its error fields untouched
	kindStay ruleKind = iota + 1
	// move to target with no error
	kindMove
	// move to WaitingForManualAction with errType and note
	kindEscalate
	// remain in WaitingForManualAction; set a note only if none exists
	kindReconfirm
)

type rule struct {
	kind    ruleKind
	target  string
	errType escrow.ErrorType
	note    string
}

func stay() rule { return rule{kind: kindStay} }

func to[A ~string](a A) rule { return rule{kind: kindMove, target: string(a)} }

func escalate(t escrow.ErrorType, note string) rule {
	return rule{kind: kindEscalate, errType: t, note: note}
}

func reconfirm() rule { return rule{kind: kindReconfirm} }

// Escalations used throughout the tables.
var (
	invalidEnd        = escalate(escrow.ErrorInvalidState, NoteInvalidStateEnd)
	invalidExternal   = escalate(escrow.ErrorUnexpectedStateChange, NoteInvalidStateExternal)
	invalidUnexpected = escalate(escrow.ErrorInvalidState, NoteInvalidStateUnexpected)
	amountMismatch    = escalate(escrow.ErrorAmountMismatch, NoteAmountMismatch)
)

type states map[escrow.OnChainState]rule

// Deadlines are the protocol times a deadline rule may compare against.
type Deadlines struct {
	SubmitResultTime          time.Time
	UnlockTime                time.Time
	ExternalDisputeUnlockTime time.Time
}

// deadlineRule fires when the clock, not the chain, should move a record on.
type deadlineRule[A escrow.Action] struct {
	from  A
	state escrow.OnChainState
	after func(Deadlines) time.Time
	to    A
}

// Table is one role's complete transition function.
type Table[A escrow.Action] struct {
	rules     map[A]states
	deadlines []deadlineRule[A]
}

func newTable[A escrow.Action](rules map[A]states, deadlines []deadlineRule[A]) (*Table[A], error) {
	t := &Table[A]{rules: rules, deadlines: deadlines}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that every (action, state) pair of the full enumeration
// product has a rule and that every rule targets a known action.
func (t *Table[A]) Validate() error {
	var problems []string
	for _, a := range escrow.AllActions[A]() {
		row, ok := t.rules[a]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing row %s", a))
			continue
		}
		for _, s := range escrow.OnChainStates {
			r, ok := row[s]
			if !ok {
				problems = append(problems, fmt.Sprintf("missing %s/%s", a, s))
				continue
			}
			if r.kind == kindMove && !escrow.ValidAction(A(r.target)) {
				problems = append(problems, fmt.Sprintf("%s/%s targets unknown action %s", a, s, r.target))
			}
			if r.kind == kindReconfirm && a != escrow.WaitingManual[A]() {
				problems = append(problems, fmt.Sprintf("%s/%s reconfirms outside WaitingForManualAction", a, s))
			}
		}
		if len(row) != len(escrow.OnChainStates) {
			problems = append(problems, fmt.Sprintf("row %s has %d states, want %d", a, len(row), len(escrow.OnChainStates)))
		}
	}
	if len(t.rules) != len(escrow.AllActions[A]()) {
		problems = append(problems, fmt.Sprintf("table has %d rows, want %d", len(t.rules), len(escrow.AllActions[A]())))
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrUndefinedTransition, strings.Join(problems, "; "))
	}
	return nil
}

// Decide computes the next action for an observation. The result hash is
// carried across every transition.
func (t *Table[A]) Decide(current escrow.NextAction[A], observed escrow.OnChainState) (escrow.NextAction[A], error) {
	row, ok := t.rules[current.RequestedAction]
	if !ok {
		return current, fmt.Errorf("%w: action %q", ErrUndefinedTransition, current.RequestedAction)
	}
	r, ok := row[observed]
	if !ok {
		return current, fmt.Errorf("%w: %s/%q", ErrUndefinedTransition, current.RequestedAction, observed)
	}

	switch r.kind {
	case kindStay:
		return current, nil
	case kindMove:
		return escrow.NextAction[A]{
			RequestedAction: A(r.target),
			ResultHash:      current.ResultHash,
		}, nil
	case kindEscalate:
		return escrow.NextAction[A]{
			RequestedAction: escrow.WaitingManual[A](),
			ErrorType:       r.errType,
			ErrorNote:       r.note,
			ResultHash:      current.ResultHash,
		}, nil
	case kindReconfirm:
		next := current
		if next.ErrorNote == "" {
			next.ErrorNote = ReconfirmNote(observed)
		}
		return next, nil
	}
	return current, fmt.Errorf("%w: bad rule for %s/%s", ErrUndefinedTransition, current.RequestedAction, observed)
}

// Deadline applies the clock-driven rules. It reports whether the action changed.
func (t *Table[A]) Deadline(current escrow.NextAction[A], observed *escrow.OnChainState, d Deadlines, now time.Time) (escrow.NextAction[A], bool) {
	if observed == nil || current.ErrorType != escrow.ErrorNone {
		return current, false
	}
	for _, dr := range t.deadlines {
		if current.RequestedAction != dr.from || *observed != dr.state {
			continue
		}
		if !now.After(dr.after(d)) {
			continue
		}
		return escrow.NextAction[A]{RequestedAction: dr.to, ResultHash: current.ResultHash}, true
	}
	return current, false
}

// EscalateTimeout escalates a stale *Initiated action.
func EscalateTimeout[A escrow.Action](current escrow.NextAction[A]) escrow.NextAction[A] {
	return escrow.NextAction[A]{
		RequestedAction: escrow.WaitingManual[A](),
		ErrorType:       escrow.ErrorUnexpectedStateChange,
		ErrorNote:       NoteTransactionTimeout,
		ResultHash:      current.ResultHash,
	}
}

// Escalate moves any action into WaitingForManualAction unless it is already
// absorbed. Ignore stays Ignore; an existing manual record keeps its cause.
func Escalate[A escrow.Action](current escrow.NextAction[A], t escrow.ErrorType, note string) escrow.NextAction[A] {
	switch current.RequestedAction {
	case escrow.Ignore[A]():
		return current
	case escrow.WaitingManual[A]():
		if current.ErrorNote == "" {
			current.ErrorNote = note
			current.ErrorType = t
		}
		return current
	}
	return escrow.NextAction[A]{
		RequestedAction: escrow.WaitingManual[A](),
		ErrorType:       t,
		ErrorNote:       note,
		ResultHash:      current.ResultHash,
	}
}

var (
	seller *Table[escrow.PaymentAction]
	buyer  *Table[escrow.PurchasingAction]
)

func init() {
	var err error
	if seller, err = newTable(sellerRules(), sellerDeadlines()); err != nil {
		panic(fmt.Sprintf("seller transition table: %v", err))
	}
	if buyer, err = newTable(buyerRules(), buyerDeadlines()); err != nil {
		panic(fmt.Sprintf("buyer transition table: %v", err))
	}
}

// Seller returns the validated seller-side table.
func Seller() *Table[escrow.PaymentAction] { return seller }

// Buyer returns the validated buyer-side table.
func Buyer() *Table[escrow.PurchasingAction] { return buyer }

// For returns the validated table for A's role.
func For[A escrow.Action]() *Table[A] {
	if escrow.RoleOf[A]() == escrow.RoleSeller {
		return any(seller).(*Table[A])
	}
	return any(buyer).(*Table[A])
}
