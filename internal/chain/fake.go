package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/escrowsync/internal/escrow"
)

// Submission records one call to FakeAdapter.SubmitTransaction.
type Submission struct {
	Op      Operation
	Context EscrowContext
	From    string
	TxHash  string
}

// FakeAdapter is an in-memory Adapter for tests. States and
// errors are keyed by blockchain identifier.
type FakeAdapter struct {
	mu           sync.Mutex
	states       map[string]escrow.OnChainState
	resolveErrs  map[string]error
	submitErrs   map[Operation]error
	holders      map[string]string
	submissions  []Submission
	resolveCalls int
	seq          int
}

var _ Adapter = (*FakeAdapter)(nil)

// NewFakeAdapter returns an adapter where every escrow is not yet on chain.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		states:      make(map[string]escrow.OnChainState),
		resolveErrs: make(map[string]error),
		submitErrs:  make(map[Operation]error),
		holders:     make(map[string]string),
	}
}

// SetState sets the state ResolveEscrowState reports for an identifier.
func (f *FakeAdapter) SetState(blockchainIdentifier string, state escrow.OnChainState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[blockchainIdentifier] = state
	delete(f.resolveErrs, blockchainIdentifier)
}

// FailResolve makes ResolveEscrowState return err for an identifier.
func (f *FakeAdapter) FailResolve(blockchainIdentifier string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveErrs[blockchainIdentifier] = err
}

// FailSubmit makes SubmitTransaction return err for op. A nil err clears it.
func (f *FakeAdapter) FailSubmit(op Operation, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.submitErrs, op)
		return
	}
	f.submitErrs[op] = err
}

// SetAssetHolder sets the owner reported for policyID:assetName.
func (f *FakeAdapter) SetAssetHolder(policyID, assetName, holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holders[policyID+":"+assetName] = holder
}

// Submissions returns a copy of every successful submission so far.
func (f *FakeAdapter) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// ResolveCalls returns how many times ResolveEscrowState ran.
func (f *FakeAdapter) ResolveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls
}

func (f *FakeAdapter) ResolveEscrowState(ctx context.Context, contractAddress, blockchainIdentifier string) (escrow.OnChainState, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient("resolve", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	if err, ok := f.resolveErrs[blockchainIdentifier]; ok {
		return "", err
	}
	state, ok := f.states[blockchainIdentifier]
	if !ok {
		return "", ErrNotFound
	}
	return state, nil
}

func (f *FakeAdapter) SubmitTransaction(ctx context.Context, op Operation, ec EscrowContext, signer TxSigner) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient("submit "+string(op), err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.submitErrs[op]; ok {
		return "", err
	}
	f.seq++
	hash := fmt.Sprintf("0x%064x", f.seq)
	f.submissions = append(f.submissions, Submission{
		Op:      op,
		Context: ec,
		From:    signer.Address().Hex(),
		TxHash:  hash,
	})
	return hash, nil
}

func (f *FakeAdapter) GetAssetHolderAddress(ctx context.Context, policyID, assetName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holder, ok := f.holders[policyID+":"+assetName]
	if !ok {
		return "", Permanent("owner", fmt.Errorf("no holder for %s:%s", policyID, assetName))
	}
	return holder, nil
}
