package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowsync/internal/escrow"
)

func TestOperationFor(t *testing.T) {
	tests := []struct {
		action string
		want   Operation
	}{
		{string(escrow.PaymentSubmitResultRequested), OpSubmitResult},
		{string(escrow.PaymentAuthorizeRefundRequested), OpAuthorizeRefund},
		{string(escrow.PaymentWithdrawRequested), OpWithdraw},
		{string(escrow.PurchasingFundsLockingRequested), OpLockFunds},
		{string(escrow.PurchasingSetRefundRequestedRequested), OpRequestRefund},
		{string(escrow.PurchasingUnSetRefundRequestedRequested), OpCancelRefund},
		{string(escrow.PurchasingWithdrawRefundRequested), OpWithdrawRefund},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			var (
				op Operation
				ok bool
			)
			if escrow.ValidAction(escrow.PaymentAction(tt.action)) {
				op, ok = OperationFor(escrow.PaymentAction(tt.action))
			} else {
				op, ok = OperationFor(escrow.PurchasingAction(tt.action))
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, op)
		})
	}
}

func TestOperationFor_EveryRequestedActionIsMapped(t *testing.T) {
	for _, a := range escrow.PaymentActions {
		_, ok := OperationFor(a)
		assert.Equal(t, escrow.IsRequested(a), ok, "seller %s", a)
	}
	for _, a := range escrow.PurchasingActions {
		_, ok := OperationFor(a)
		assert.Equal(t, escrow.IsRequested(a), ok, "buyer %s", a)
	}
}

func TestContextOf_PrefersPaidFunds(t *testing.T) {
	unlock := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	r := &escrow.PurchaseRequest{
		BlockchainIdentifier: "tok",
		SmartContractAddress: "0x0000000000000000000000000000000000000abc",
		SellerAddress:        "0x1",
		BuyerAddress:         "0x2",
		RequestedFunds:       []escrow.Funds{{Amount: escrow.MustAmount("5")}},
		PaidFunds:            []escrow.Funds{{Amount: escrow.MustAmount("7")}},
		UnlockTime:           unlock,
	}
	ec := ContextOf(r)
	assert.Equal(t, "tok", ec.BlockchainIdentifier)
	assert.Equal(t, "7", ec.Funds[0].Amount.String())
	assert.Equal(t, unlock, ec.UnlockTime)

	r.PaidFunds = nil
	assert.Equal(t, "5", ContextOf(r).Funds[0].Amount.String())
}

func TestErrorKinds(t *testing.T) {
	transient := Transient("resolve", errors.New("timeout"))
	permanent := Permanent("submit withdraw", errors.New("execution reverted"))
	wrapped := fmt.Errorf("observer: %w", permanent)

	assert.True(t, IsTransient(transient))
	assert.False(t, IsPermanent(transient))
	assert.True(t, IsPermanent(permanent))
	assert.True(t, IsPermanent(wrapped))
	assert.Equal(t, KindPermanent, KindOf(wrapped))

	// Unclassified errors are retried, never written to the ledger.
	assert.Equal(t, KindTransient, KindOf(errors.New("boom")))
	assert.True(t, IsTransient(errors.New("boom")))

	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsPermanent(nil))

	assert.Contains(t, permanent.Error(), "submit withdraw failed (permanent)")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{context.DeadlineExceeded, KindTransient},
		{fmt.Errorf("rpc: %w", context.Canceled), KindTransient},
		{errors.New("execution reverted: escrow: not seller"), KindPermanent},
		{errors.New("Invalid Opcode"), KindPermanent},
		{errors.New("insufficient funds for gas * price + value"), KindTransient},
		{errors.New("502 bad gateway"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(classify("op", tt.err)))
		})
	}
}

func TestFakeAdapter(t *testing.T) {
	ctx := context.Background()
	f := NewFakeAdapter()

	_, err := f.ResolveEscrowState(ctx, "", "tok")
	assert.ErrorIs(t, err, ErrNotFound)

	f.SetState("tok", escrow.StateFundsLocked)
	state, err := f.ResolveEscrowState(ctx, "", "tok")
	require.NoError(t, err)
	assert.Equal(t, escrow.StateFundsLocked, state)

	f.FailResolve("tok", Transient("resolve", errors.New("down")))
	_, err = f.ResolveEscrowState(ctx, "", "tok")
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, f.ResolveCalls())

	signer := newKeySigner(t)
	hash, err := f.SubmitTransaction(ctx, OpWithdraw, EscrowContext{BlockchainIdentifier: "tok"}, signer)
	require.NoError(t, err)
	subs := f.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, hash, subs[0].TxHash)
	assert.Equal(t, signer.Address().Hex(), subs[0].From)

	f.FailSubmit(OpWithdraw, Permanent("submit withdraw", errors.New("execution reverted")))
	_, err = f.SubmitTransaction(ctx, OpWithdraw, EscrowContext{}, signer)
	assert.True(t, IsPermanent(err))
	f.FailSubmit(OpWithdraw, nil)
	_, err = f.SubmitTransaction(ctx, OpWithdraw, EscrowContext{}, signer)
	assert.NoError(t, err)

	_, err = f.GetAssetHolderAddress(ctx, "0xreg", "1")
	assert.True(t, IsPermanent(err))
	f.SetAssetHolder("0xreg", "1", "0xseller")
	holder, err := f.GetAssetHolderAddress(ctx, "0xreg", "1")
	require.NoError(t, err)
	assert.Equal(t, "0xseller", holder)
}
