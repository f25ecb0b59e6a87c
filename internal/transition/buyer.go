package transition

import (
	"time"

	"github.com/mbd888/escrowsync/internal/escrow"
)

func buyerRules() map[escrow.PurchasingAction]states {
	none := to(escrow.PurchasingNone)
	waiting := to(escrow.PurchasingWaitingForExternalAction)

	return map[escrow.PurchasingAction]states{
		escrow.PurchasingNone: {
			fundsLocked:       invalidEnd,
			resultSubmitted:   invalidEnd,
			refundRequested:   invalidEnd,
			disputed:          invalidEnd,
			refundWithdrawn:   stay(),
			disputedWithdrawn: stay(),
			withdrawn:         stay(),
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingIgnore: {
			fundsLocked:       stay(),
			resultSubmitted:   stay(),
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   stay(),
			disputedWithdrawn: stay(),
			withdrawn:         stay(),
			fundsInvalid:      stay(),
		},
		escrow.PurchasingWaitingForManualAction: {
			fundsLocked:       reconfirm(),
			resultSubmitted:   reconfirm(),
			refundRequested:   reconfirm(),
			disputed:          reconfirm(),
			refundWithdrawn:   reconfirm(),
			disputedWithdrawn: reconfirm(),
			withdrawn:         reconfirm(),
			fundsInvalid:      reconfirm(),
		},
		escrow.PurchasingWaitingForExternalAction: {
			fundsLocked:       stay(),
			resultSubmitted:   stay(),
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   none,
			disputedWithdrawn: none,
			withdrawn:         none,
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingFundsLockingRequested: {
			fundsLocked:       waiting,
			resultSubmitted:   invalidUnexpected,
			refundRequested:   invalidUnexpected,
			disputed:          invalidUnexpected,
			refundWithdrawn:   invalidUnexpected,
			disputedWithdrawn: invalidUnexpected,
			withdrawn:         invalidUnexpected,
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingFundsLockingInitiated: {
			fundsLocked:       waiting,
			resultSubmitted:   waiting,
			refundRequested:   invalidExternal,
			disputed:          invalidExternal,
			refundWithdrawn:   invalidExternal,
			disputedWithdrawn: invalidExternal,
			withdrawn:         invalidExternal,
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingSetRefundRequestedRequested: {
			fundsLocked:       stay(),
			resultSubmitted:   stay(),
			refundRequested:   waiting,
			disputed:          waiting,
			refundWithdrawn:   none,
			disputedWithdrawn: invalidUnexpected,
			withdrawn:         invalidUnexpected,
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingSetRefundRequestedInitiated: {
			fundsLocked:       stay(),
			resultSubmitted:   stay(),
			refundRequested:   waiting,
			disputed:          waiting,
			refundWithdrawn:   none,
			disputedWithdrawn: invalidExternal,
			withdrawn:         invalidExternal,
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingUnSetRefundRequestedRequested: {
			fundsLocked:       waiting,
			resultSubmitted:   waiting,
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   invalidUnexpected,
			disputedWithdrawn: invalidUnexpected,
			withdrawn:         invalidUnexpected,
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingUnSetRefundRequestedInitiated: {
			fundsLocked:       waiting,
			resultSubmitted:   waiting,
			refundRequested:   stay(),
			disputed:          stay(),
			refundWithdrawn:   invalidExternal,
			disputedWithdrawn: invalidExternal,
			withdrawn:         invalidExternal,
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingWithdrawRefundRequested: {
			fundsLocked:       invalidUnexpected,
			resultSubmitted:   invalidUnexpected,
			refundRequested:   stay(),
			disputed:          waiting,
			refundWithdrawn:   none,
			disputedWithdrawn: invalidUnexpected,
			withdrawn:         invalidUnexpected,
			fundsInvalid:      amountMismatch,
		},
		escrow.PurchasingWithdrawRefundInitiated: {
			fundsLocked:       invalidExternal,
			resultSubmitted:   invalidExternal,
			refundRequested:   stay(),
			disputed:          invalidExternal,
			refundWithdrawn:   none,
			disputedWithdrawn: invalidExternal,
			withdrawn:         invalidExternal,
			fundsInvalid:      amountMismatch,
		},
	}
}

// A buyer whose seller missed the submit deadline first flags a refund and,
// once flagged, withdraws it.
func buyerDeadlines() []deadlineRule[escrow.PurchasingAction] {
	submitResult := func(d Deadlines) time.Time { return d.SubmitResultTime }
	return []deadlineRule[escrow.PurchasingAction]{
		{
			from:  escrow.PurchasingWaitingForExternalAction,
			state: fundsLocked,
			after: submitResult,
			to:    escrow.PurchasingSetRefundRequestedRequested,
		},
		{
			from:  escrow.PurchasingWaitingForExternalAction,
			state: refundRequested,
			after: submitResult,
			to:    escrow.PurchasingWithdrawRefundRequested,
		},
	}
}
