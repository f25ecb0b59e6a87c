// Package escrow holds the off-chain ledger of escrow requests.
//
// Each escrow has two records that share a blockchainIdentifier:
//   - PaymentRequest: the seller's view (quote, result submission, withdraw)
//   - PurchaseRequest: the buyer's view (fund locking, refund toggles)
//
// A record carries exactly one NextAction. The chain observer and the
// action executor are the only writers of automation state; API callers
// may only set user intents through Service.
package escrow

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound            = errors.New("escrow: request not found")
	ErrDuplicateIdentifier = errors.New("escrow: blockchain identifier already exists")
	ErrForbidden           = errors.New("escrow: caller may not act on this request")
	ErrIntentNotAllowed    = errors.New("escrow: current state does not permit this action")
	ErrCoolDown            = errors.New("escrow: cooldown has not elapsed")
	ErrDeadlinePassed      = errors.New("escrow: deadline has passed")
	ErrUnknownSource       = errors.New("escrow: unknown payment source")
	ErrNoWallet            = errors.New("escrow: payment source has no wallet for this role")
	ErrAgentNotOwned       = errors.New("escrow: seller does not hold the agent asset")
	ErrInvalidAgent        = errors.New("escrow: invalid agent identifier")

	// ErrNoChange may be returned from an Update callback to skip the write.
	ErrNoChange = errors.New("escrow: no change")
)

// Network is the chain a request settles on. Immutable after creation.
type Network string

const (
	NetworkMainnet Network = "Mainnet"
	NetworkPreprod Network = "Preprod"
)

// Valid reports whether n is a known network.
func (n Network) Valid() bool {
	return n == NetworkMainnet || n == NetworkPreprod
}

// Role distinguishes the seller-side and buyer-side ledgers.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// OnChainState is the escrow state as last observed on chain.
type OnChainState string

const (
	StateFundsLocked         OnChainState = "FundsLocked"
	StateResultSubmitted     OnChainState = "ResultSubmitted"
	StateRefundRequested     OnChainState = "RefundRequested"
	StateDisputed            OnChainState = "Disputed"
	StateRefundWithdrawn     OnChainState = "RefundWithdrawn"
	StateDisputedWithdrawn   OnChainState = "DisputedWithdrawn"
	StateWithdrawn           OnChainState = "Withdrawn"
	StateFundsOrDatumInvalid OnChainState = "FundsOrDatumInvalid"
)

// OnChainStates lists every observable state.
var OnChainStates = []OnChainState{
	StateFundsLocked,
	StateResultSubmitted,
	StateRefundRequested,
	StateDisputed,
	StateRefundWithdrawn,
	StateDisputedWithdrawn,
	StateWithdrawn,
	StateFundsOrDatumInvalid,
}

// Valid reports whether s is a known state.
func (s OnChainState) Valid() bool {
	for _, v := range OnChainStates {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether funds have left the contract.
func (s OnChainState) Terminal() bool {
	switch s {
	case StateWithdrawn, StateRefundWithdrawn, StateDisputedWithdrawn:
		return true
	}
	return false
}

// ErrorType classifies why a record entered WaitingForManualAction.
type ErrorType string

const (
	ErrorNone                  ErrorType = ""
	ErrorInvalidState          ErrorType = "InvalidState"
	ErrorUnexpectedStateChange ErrorType = "UnexpectedStateChange"
	ErrorAmountMismatch        ErrorType = "AmountMismatch"
	ErrorSubmissionFailed      ErrorType = "SubmissionFailed"
	ErrorUnknown               ErrorType = "Unknown"
)

// Action names shared by both roles.
const (
	actionNone          = "None"
	actionIgnore        = "Ignore"
	actionWaitingExt    = "WaitingForExternalAction"
	actionWaitingManual = "WaitingForManualAction"
	suffixRequested     = "Requested"
	suffixInitiated     = "Initiated"
)

// PaymentAction is the seller-side intent.
type PaymentAction string

const (
	PaymentNone                     PaymentAction = actionNone
	PaymentIgnore                   PaymentAction = actionIgnore
	PaymentSubmitResultRequested    PaymentAction = "SubmitResultRequested"
	PaymentSubmitResultInitiated    PaymentAction = "SubmitResultInitiated"
	PaymentAuthorizeRefundRequested PaymentAction = "AuthorizeRefundRequested"
	PaymentAuthorizeRefundInitiated PaymentAction = "AuthorizeRefundInitiated"
	PaymentWithdrawRequested        PaymentAction = "WithdrawRequested"
	PaymentWithdrawInitiated        PaymentAction = "WithdrawInitiated"
	PaymentWaitingForExternalAction PaymentAction = actionWaitingExt
	PaymentWaitingForManualAction   PaymentAction = actionWaitingManual
)

// PaymentActions lists every seller action.
var PaymentActions = []PaymentAction{
	PaymentNone,
	PaymentIgnore,
	PaymentSubmitResultRequested,
	PaymentSubmitResultInitiated,
	PaymentAuthorizeRefundRequested,
	PaymentAuthorizeRefundInitiated,
	PaymentWithdrawRequested,
	PaymentWithdrawInitiated,
	PaymentWaitingForExternalAction,
	PaymentWaitingForManualAction,
}

// PurchasingAction is the buyer-side intent.
type PurchasingAction string

const (
	PurchasingNone                          PurchasingAction = actionNone
	PurchasingIgnore                        PurchasingAction = actionIgnore
	PurchasingFundsLockingRequested         PurchasingAction = "FundsLockingRequested"
	PurchasingFundsLockingInitiated         PurchasingAction = "FundsLockingInitiated"
	PurchasingSetRefundRequestedRequested   PurchasingAction = "SetRefundRequestedRequested"
	PurchasingSetRefundRequestedInitiated   PurchasingAction = "SetRefundRequestedInitiated"
	PurchasingUnSetRefundRequestedRequested PurchasingAction = "UnSetRefundRequestedRequested"
	PurchasingUnSetRefundRequestedInitiated PurchasingAction = "UnSetRefundRequestedInitiated"
	PurchasingWithdrawRefundRequested       PurchasingAction = "WithdrawRefundRequested"
	PurchasingWithdrawRefundInitiated       PurchasingAction = "WithdrawRefundInitiated"
	PurchasingWaitingForExternalAction      PurchasingAction = actionWaitingExt
	PurchasingWaitingForManualAction        PurchasingAction = actionWaitingManual
)

// PurchasingActions lists every buyer action.
var PurchasingActions = []PurchasingAction{
	PurchasingNone,
	PurchasingIgnore,
	PurchasingFundsLockingRequested,
	PurchasingFundsLockingInitiated,
	PurchasingSetRefundRequestedRequested,
	PurchasingSetRefundRequestedInitiated,
	PurchasingUnSetRefundRequestedRequested,
	PurchasingUnSetRefundRequestedInitiated,
	PurchasingWithdrawRefundRequested,
	PurchasingWithdrawRefundInitiated,
	PurchasingWaitingForExternalAction,
	PurchasingWaitingForManualAction,
}

// Action is implemented by both role enumerations so ledger code can be
// written once for either side.
type Action interface {
	PaymentAction | PurchasingAction
}

// AllActions returns the full enumeration for A.
func AllActions[A Action]() []A {
	var zero A
	switch any(zero).(type) {
	case PaymentAction:
		return any(PaymentActions).([]A)
	default:
		return any(PurchasingActions).([]A)
	}
}

// RoleOf returns the role whose ledger uses A.
func RoleOf[A Action]() Role {
	var zero A
	if _, ok := any(zero).(PaymentAction); ok {
		return RoleSeller
	}
	return RoleBuyer
}

// ValidAction reports whether a is part of A's enumeration.
func ValidAction[A Action](a A) bool {
	for _, v := range AllActions[A]() {
		if v == a {
			return true
		}
	}
	return false
}

// IsRequested reports whether a is a not-yet-submitted step.
func IsRequested[A Action](a A) bool {
	return strings.HasSuffix(string(a), suffixRequested)
}

// IsInitiated reports whether a transaction has been submitted for a.
func IsInitiated[A Action](a A) bool {
	return strings.HasSuffix(string(a), suffixInitiated)
}

// InitiatedOf maps a *Requested action to its *Initiated counterpart.
func InitiatedOf[A Action](a A) (A, bool) {
	if !IsRequested(a) {
		return a, false
	}
	next := A(strings.TrimSuffix(string(a), suffixRequested) + suffixInitiated)
	return next, ValidAction(next)
}

// None returns the lifecycle-complete action for A.
func None[A Action]() A { return A(actionNone) }

// Ignore returns the opt-out action for A.
func Ignore[A Action]() A { return A(actionIgnore) }

// WaitingExternal returns the action that waits on the counterparty or the clock.
func WaitingExternal[A Action]() A { return A(actionWaitingExt) }

// WaitingManual returns the absorbing error action.
func WaitingManual[A Action]() A { return A(actionWaitingManual) }

// NextAction is the single source of truth for what should happen next.
type NextAction[A Action] struct {
	RequestedAction A         `json:"requestedAction"`
	ErrorType       ErrorType `json:"errorType,omitempty"`
	ErrorNote       string    `json:"errorNote,omitempty"`
	ResultHash      string    `json:"resultHash,omitempty"`
}

// TxStatus tracks a submitted transaction.
type TxStatus string

const (
	TxPending    TxStatus = "Pending"
	TxConfirmed  TxStatus = "Confirmed"
	TxSuperseded TxStatus = "Superseded"
)

// Transaction is one on-chain submission made on behalf of a request.
type Transaction struct {
	TxHash      string     `json:"txHash"`
	Status      TxStatus   `json:"status"`
	Action      string     `json:"action"`
	SubmittedAt time.Time  `json:"submittedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Claim is an executor lease on a *Requested record.
type Claim struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Live reports whether the lease still holds at now.
func (c *Claim) Live(now time.Time) bool {
	return c != nil && now.Before(c.ExpiresAt)
}

// Request is an escrow record for either role.
type Request[A Action] struct {
	ID                   string        `json:"id"`
	BlockchainIdentifier string        `json:"blockchainIdentifier"`
	Network              Network       `json:"network"`
	SmartContractAddress string        `json:"smartContractAddress"`
	PaymentSourceID      string        `json:"paymentSourceId"`
	OnChainState         *OnChainState `json:"onChainState"`
	NextAction           NextAction[A] `json:"nextAction"`
	CurrentTransaction   *Transaction  `json:"currentTransaction"`
	TransactionHistory   []Transaction `json:"transactionHistory,omitempty"`

	RequestedFunds []Funds `json:"requestedFunds"`
	PaidFunds      []Funds `json:"paidFunds,omitempty"`

	SubmitResultTime          time.Time `json:"submitResultTime"`
	UnlockTime                time.Time `json:"unlockTime"`
	ExternalDisputeUnlockTime time.Time `json:"externalDisputeUnlockTime"`

	// Unix milliseconds before which the role may not toggle refund state again.
	SellerCoolDownTime int64 `json:"sellerCoolDownTime"`
	BuyerCoolDownTime  int64 `json:"buyerCoolDownTime"`

	LastCheckedAt *time.Time `json:"lastCheckedAt"`

	SellerAddress       string `json:"sellerAddress"`
	BuyerAddress        string `json:"buyerAddress,omitempty"`
	SellerIdentifier    string `json:"sellerIdentifier"`
	AgentIdentifier     string `json:"agentIdentifier"`
	PurchaserIdentifier string `json:"purchaserIdentifier"`
	InputHash           string `json:"inputHash"`
	HotWalletID         string `json:"hotWalletId"`
	RequestedBy         string `json:"requestedBy"`

	Claim *Claim `json:"-"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PaymentRequest is the seller-side record.
type PaymentRequest = Request[PaymentAction]

// PurchaseRequest is the buyer-side record.
type PurchaseRequest = Request[PurchasingAction]

// Role returns which ledger the request belongs to.
func (r *Request[A]) Role() Role {
	return RoleOf[A]()
}

// State returns the observed state and whether one has been recorded.
func (r *Request[A]) State() (OnChainState, bool) {
	if r.OnChainState == nil {
		return "", false
	}
	return *r.OnChainState, true
}

// Settled reports whether automation has finished with the escrow.
func (r *Request[A]) Settled() bool {
	s, ok := r.State()
	return r.NextAction.RequestedAction == None[A]() && ok && s.Terminal()
}

// CoolDownFor returns the cooldown deadline for a role.
func (r *Request[A]) CoolDownFor(role Role) time.Time {
	if role == RoleSeller {
		return time.UnixMilli(r.SellerCoolDownTime)
	}
	return time.UnixMilli(r.BuyerCoolDownTime)
}

// SetCoolDown sets the cooldown deadline for a role.
func (r *Request[A]) SetCoolDown(role Role, until time.Time) {
	if role == RoleSeller {
		r.SellerCoolDownTime = until.UnixMilli()
		return
	}
	r.BuyerCoolDownTime = until.UnixMilli()
}

// Clone returns a deep copy so callers never share slices or pointers
// with stored state.
func (r *Request[A]) Clone() *Request[A] {
	cp := *r
	if r.OnChainState != nil {
		s := *r.OnChainState
		cp.OnChainState = &s
	}
	if r.CurrentTransaction != nil {
		tx := r.CurrentTransaction.clone()
		cp.CurrentTransaction = &tx
	}
	if r.TransactionHistory != nil {
		cp.TransactionHistory = make([]Transaction, len(r.TransactionHistory))
		for i, tx := range r.TransactionHistory {
			cp.TransactionHistory[i] = tx.clone()
		}
	}
	cp.RequestedFunds = cloneFunds(r.RequestedFunds)
	cp.PaidFunds = cloneFunds(r.PaidFunds)
	if r.LastCheckedAt != nil {
		t := *r.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	if r.Claim != nil {
		c := *r.Claim
		cp.Claim = &c
	}
	return &cp
}

func (t Transaction) clone() Transaction {
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		t.ResolvedAt = &at
	}
	return t
}

// SettleCurrentTransaction moves the in-flight transaction into history.
func (r *Request[A]) SettleCurrentTransaction(status TxStatus, at time.Time) {
	if r.CurrentTransaction == nil {
		return
	}
	tx := *r.CurrentTransaction
	tx.Status = status
	tx.ResolvedAt = &at
	r.TransactionHistory = append(r.TransactionHistory, tx)
	r.CurrentTransaction = nil
}

// WithoutHistory returns a copy with the transaction history stripped.
func (r *Request[A]) WithoutHistory() *Request[A] {
	cp := r.Clone()
	cp.TransactionHistory = nil
	return cp
}
