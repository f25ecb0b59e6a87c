package transition

import (
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
)

const (
	fundsLocked       = escrow.StateFundsLocked
	resultSubmitted   = escrow.StateResultSubmitted
	refundRequested   = escrow.StateRefundRequested
	disputed          = escrow.StateDisputed
	refundWithdrawn   = escrow.StateRefundWithdrawn
	disputedWithdrawn = escrow.StateDisputedWithdrawn
	withdrawn         = escrow.StateWithdrawn
	fundsInvalid      = escrow.StateFundsOrDatumInvalid
)

func sellerRules() map[escrow.PaymentAction]states {
	none := to(escrow.PaymentNone)
	waiting := to(escrow.PaymentWaitingForExternalAction)

	return map[escrow.PaymentAction]states{
		escrow.PaymentNone: {
			fundsLocked:       invalidEnd,
			resultSubmitted:   invalidEnd,
			refundRequested:   invalidEnd,
			disputed:          invalidEnd,
			refundWithdrawn:   stay(),
			disputedWithdrawn: stay(),
			withdrawn:         stay(),
			fundsInvalid:      amountMismatch,
		},
		escrow.PaymentIgnore: {
			fundsLocked:       stay(),
			resultSubmitted:   stay(),
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   stay(),
			disputedWithdrawn: stay(),
			withdrawn:         stay(),
			fundsInvalid:      stay(),
		},
		escrow.PaymentWaitingForManualAction: {
			fundsLocked:       reconfirm(),
			resultSubmitted:   reconfirm(),
			refundRequested:   reconfirm(),
			disputed:          reconfirm(),
			refundWithdrawn:   reconfirm(),
			disputedWithdrawn: reconfirm(),
			withdrawn:         reconfirm(),
			fundsInvalid:      reconfirm(),
		},
		escrow.PaymentWaitingForExternalAction: {
			fundsLocked:       stay(),
			resultSubmitted:   stay(),
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   none,
			disputedWithdrawn: none,
			withdrawn:         none,
			fundsInvalid:      amountMismatch,
		},
		escrow.PaymentSubmitResultRequested: {
			fundsLocked:       stay(),
			resultSubmitted:   stay(),
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   invalidUnexpected,
			disputedWithdrawn: invalidUnexpected,
			withdrawn:         invalidUnexpected,
			fundsInvalid:      amountMismatch,
		},
		escrow.PaymentSubmitResultInitiated: {
			fundsLocked:       stay(),
			resultSubmitted:   waiting,
			refundRequested:   stay(),
			disputed:          waiting,
			refundWithdrawn:   invalidExternal,
			disputedWithdrawn: invalidExternal,
			withdrawn:         invalidExternal,
			fundsInvalid:      amountMismatch,
		},
		escrow.PaymentAuthorizeRefundRequested: {
			fundsLocked:       waiting,
			resultSubmitted:   waiting,
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   none,
			disputedWithdrawn: none,
			withdrawn:         invalidUnexpected,
			fundsInvalid:      amountMismatch,
		},
		escrow.PaymentAuthorizeRefundInitiated: {
			fundsLocked:       invalidExternal,
			resultSubmitted:   invalidExternal,
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   none,
			disputedWithdrawn: invalidExternal,
			withdrawn:         invalidExternal,
			fundsInvalid:      amountMismatch,
		},
		escrow.PaymentWithdrawRequested: {
			fundsLocked:       invalidUnexpected,
			resultSubmitted:   stay(),
			refundRequested:   invalidUnexpected,
			disputed:          waiting,
			refundWithdrawn:   invalidUnexpected,
			disputedWithdrawn: invalidUnexpected,
			withdrawn:         none,
			fundsInvalid:      amountMismatch,
		},
		escrow.PaymentWithdrawInitiated: {
			fundsLocked:       invalidExternal,
			resultSubmitted:   stay(),
			refundRequested:   invalidExternal,
			disputed:          invalidExternal,
			refundWithdrawn:   invalidExternal,
			disputedWithdrawn: invalidExternal,
			withdrawn:         none,
			fundsInvalid:      amountMismatch,
		},
	}
}

// The seller withdraws once the unlock time passes with the result unchallenged.
func sellerDeadlines() []deadlineRule[escrow.PaymentAction] {
	return []deadlineRule[escrow.PaymentAction]{
		{
			from:  escrow.PaymentWaitingForExternalAction,
			state: resultSubmitted,
			after: func(d Deadlines) time.Time { return d.UnlockTime },
			to:    escrow.PaymentWithdrawRequested,
		},
	}
}
