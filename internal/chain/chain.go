// Package chain is the blockchain adapter consumed by the observer and the
// executor: escrow state lookups, transaction submission and asset holder
// queries, with errors classified as transient or permanent.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/escrowsync/internal/escrow"
)

// ErrNotFound means the contract holds no escrow for the identifier yet.
var ErrNotFound = errors.New("chain: escrow not found")

// Operation is a state-changing escrow contract call.
type Operation string

const (
	OpLockFunds       Operation = "lockFunds"
	OpSubmitResult    Operation = "submitResult"
	OpRequestRefund   Operation = "requestRefund"
	OpCancelRefund    Operation = "cancelRefundRequest"
	OpAuthorizeRefund Operation = "authorizeRefund"
	OpWithdraw        Operation = "withdraw"
	OpWithdrawRefund  Operation = "withdrawRefund"
)

var operations = map[string]Operation{
	string(escrow.PaymentSubmitResultRequested):            OpSubmitResult,
	string(escrow.PaymentAuthorizeRefundRequested):         OpAuthorizeRefund,
	string(escrow.PaymentWithdrawRequested):                OpWithdraw,
	string(escrow.PurchasingFundsLockingRequested):         OpLockFunds,
	string(escrow.PurchasingSetRefundRequestedRequested):   OpRequestRefund,
	string(escrow.PurchasingUnSetRefundRequestedRequested): OpCancelRefund,
	string(escrow.PurchasingWithdrawRefundRequested):       OpWithdrawRefund,
}

// OperationFor maps a *Requested action to the contract call that fulfils it.
func OperationFor[A escrow.Action](a A) (Operation, bool) {
	op, ok := operations[string(a)]
	return op, ok
}

// EscrowContext carries everything a contract call needs about one escrow.
type EscrowContext struct {
	ContractAddress           string
	BlockchainIdentifier      string
	SellerAddress             string
	BuyerAddress              string
	Funds                     []escrow.Funds
	ResultHash                string
	SubmitResultTime          time.Time
	UnlockTime                time.Time
	ExternalDisputeUnlockTime time.Time
}

// ContextOf extracts the escrow context from a ledger record.
func ContextOf[A escrow.Action](r *escrow.Request[A]) EscrowContext {
	funds := r.PaidFunds
	if len(funds) == 0 {
		funds = r.RequestedFunds
	}
	return EscrowContext{
		ContractAddress:           r.SmartContractAddress,
		BlockchainIdentifier:      r.BlockchainIdentifier,
		SellerAddress:             r.SellerAddress,
		BuyerAddress:              r.BuyerAddress,
		Funds:                     funds,
		ResultHash:                r.NextAction.ResultHash,
		SubmitResultTime:          r.SubmitResultTime,
		UnlockTime:                r.UnlockTime,
		ExternalDisputeUnlockTime: r.ExternalDisputeUnlockTime,
	}
}

// TxSigner signs transactions for one hot wallet.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Adapter is the blockchain boundary. Every error it returns is an
// *AdapterError, or ErrNotFound from ResolveEscrowState.
type Adapter interface {
	ResolveEscrowState(ctx context.Context, contractAddress, blockchainIdentifier string) (escrow.OnChainState, error)
	SubmitTransaction(ctx context.Context, op Operation, ec EscrowContext, signer TxSigner) (string, error)
	GetAssetHolderAddress(ctx context.Context, policyID, assetName string) (string, error)
}

// Kind classifies adapter failures.
type Kind string

const (
	// KindTransient failures are retried on the next cycle and never written to the ledger.
	KindTransient Kind = "transient"
	// KindPermanent failures surface to manual review.
	KindPermanent Kind = "permanent"
)

// AdapterError wraps adapter failures with context.
type AdapterError struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("chain: %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op string, err error) error {
	return &AdapterError{Op: op, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) error {
	return &AdapterError{Op: op, Kind: KindPermanent, Err: err}
}

// KindOf returns the failure kind. Errors that are not AdapterErrors are
// treated as transient, so an unclassified failure is never written to the ledger.
func KindOf(err error) Kind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried next cycle.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && KindOf(err) == KindTransient
}

// IsPermanent reports whether err must be surfaced for manual review.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}
