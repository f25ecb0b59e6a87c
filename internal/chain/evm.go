package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/escrowsync/internal/escrow"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// escrowABI is the subset of the escrow contract the service drives.
const escrowABI = `[
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"escrowState","outputs":[{"name":"state","type":"uint8"},{"name":"exists","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"seller","type":"address"},{"name":"tokens","type":"address[]"},{"name":"amounts","type":"uint256[]"},{"name":"submitResultTime","type":"uint64"},{"name":"unlockTime","type":"uint64"},{"name":"externalDisputeUnlockTime","type":"uint64"}],"name":"lockFunds","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"resultHash","type":"bytes32"}],"name":"submitResult","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"requestRefund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"cancelRefundRequest","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"authorizeRefund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"}],"name":"withdrawRefund","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// erc721ABI covers ownership lookups on the agent registry.
const erc721ABI = `[
	{"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// DefaultGasLimit is used when estimation fails for a reason other than a revert.
const DefaultGasLimit = uint64(300000)

// Contract state codes, in the order the contract's enum declares them.
var stateCodes = []escrow.OnChainState{
	escrow.StateFundsLocked,
	escrow.StateResultSubmitted,
	escrow.StateRefundRequested,
	escrow.StateDisputed,
	escrow.StateRefundWithdrawn,
	escrow.StateDisputedWithdrawn,
	escrow.StateWithdrawn,
	escrow.StateFundsOrDatumInvalid,
}

// EVMConfig configures an EVMAdapter.
type EVMConfig struct {
	RPCURL  string
	ChainID int64
}

// Option configures the adapter.
type Option func(*EVMAdapter)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(a *EVMAdapter) {
		a.client = client
	}
}

// EVMAdapter talks to an escrow contract over JSON-RPC.
type EVMAdapter struct {
	client    EthClient
	chainID   *big.Int
	escrowABI abi.ABI
	nftABI    abi.ABI
}

var _ Adapter = (*EVMAdapter)(nil)

// NewEVMAdapter dials the RPC endpoint unless a client is supplied.
func NewEVMAdapter(cfg EVMConfig, opts ...Option) (*EVMAdapter, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}
	escrowParsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse escrow ABI: %w", err)
	}
	nftParsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse ERC-721 ABI: %w", err)
	}

	a := &EVMAdapter{
		chainID:   big.NewInt(cfg.ChainID),
		escrowABI: escrowParsed,
		nftABI:    nftParsed,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("chain: RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, Transient("dial", err)
		}
		a.client = client
	}
	return a, nil
}

// EscrowID is the contract key for a blockchain identifier.
func EscrowID(blockchainIdentifier string) common.Hash {
	return crypto.Keccak256Hash([]byte(blockchainIdentifier))
}

func (a *EVMAdapter) ResolveEscrowState(ctx context.Context, contractAddress, blockchainIdentifier string) (escrow.OnChainState, error) {
	if !common.IsHexAddress(contractAddress) {
		return "", Permanent("resolve", fmt.Errorf("invalid contract address %q", contractAddress))
	}
	contract := common.HexToAddress(contractAddress)

	data, err := a.escrowABI.Pack("escrowState", EscrowID(blockchainIdentifier))
	if err != nil {
		return "", Permanent("resolve", err)
	}
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return "", classify("resolve", err)
	}

	out, err := a.escrowABI.Unpack("escrowState", result)
	if err != nil || len(out) != 2 {
		return "", Permanent("resolve", fmt.Errorf("decode escrowState: %v", err))
	}
	code, ok1 := out[0].(uint8)
	exists, ok2 := out[1].(bool)
	if !ok1 || !ok2 {
		return "", Permanent("resolve", fmt.Errorf("unexpected escrowState output types"))
	}
	if !exists {
		return "", ErrNotFound
	}
	if int(code) >= len(stateCodes) {
		return "", Permanent("resolve", fmt.Errorf("unknown escrow state code %d", code))
	}
	return stateCodes[code], nil
}

func (a *EVMAdapter) SubmitTransaction(ctx context.Context, op Operation, ec EscrowContext, signer TxSigner) (string, error) {
	opName := "submit " + string(op)
	if !common.IsHexAddress(ec.ContractAddress) {
		return "", Permanent(opName, fmt.Errorf("invalid contract address %q", ec.ContractAddress))
	}
	contract := common.HexToAddress(ec.ContractAddress)

	data, value, err := a.pack(op, ec)
	if err != nil {
		return "", Permanent(opName, err)
	}

	from := signer.Address()
	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", classify(opName, err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify(opName, err)
	}
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// A reverting call would waste gas and never succeed.
		if cerr := classify(opName, err); IsPermanent(cerr) {
			return "", cerr
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, contract, value, gasLimit, gasPrice, data)
	signed, err := signer.SignTx(tx, a.chainID)
	if err != nil {
		return "", Permanent(opName, err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil && !mayHaveBeenSent(err) {
		return "", classify(opName, err)
	}
	// An ambiguous send is recorded as submitted; the observer confirms it
	// or the transaction timeout escalates it.
	return signed.Hash().Hex(), nil
}

var sentMarkers = []string{
	"already known",
	"known transaction",
	"already imported",
	"nonce too low",
}

// mayHaveBeenSent reports whether a SendTransaction failure leaves the
// transaction possibly in the mempool. Signing again would spend a second
// nonce on the same action.
func mayHaveBeenSent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range sentMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// pack builds calldata and the native value for op.
func (a *EVMAdapter) pack(op Operation, ec EscrowContext) ([]byte, *big.Int, error) {
	id := EscrowID(ec.BlockchainIdentifier)
	value := big.NewInt(0)

	switch op {
	case OpLockFunds:
		if !common.IsHexAddress(ec.SellerAddress) {
			return nil, nil, fmt.Errorf("invalid seller address %q", ec.SellerAddress)
		}
		var (
			tokens  []common.Address
			amounts []*big.Int
		)
		for _, f := range ec.Funds {
			if f.Unit == "" {
				value.Add(value, f.Amount.Big())
				continue
			}
			if !common.IsHexAddress(f.Unit) {
				return nil, nil, fmt.Errorf("invalid token unit %q", f.Unit)
			}
			tokens = append(tokens, common.HexToAddress(f.Unit))
			amounts = append(amounts, f.Amount.Big())
		}
		data, err := a.escrowABI.Pack("lockFunds", id, common.HexToAddress(ec.SellerAddress), tokens, amounts,
			uint64(ec.SubmitResultTime.Unix()), uint64(ec.UnlockTime.Unix()), uint64(ec.ExternalDisputeUnlockTime.Unix()))
		return data, value, err
	case OpSubmitResult:
		if ec.ResultHash == "" {
			return nil, nil, fmt.Errorf("result hash required")
		}
		data, err := a.escrowABI.Pack("submitResult", id, common.HexToHash(ec.ResultHash))
		return data, value, err
	case OpRequestRefund, OpCancelRefund, OpAuthorizeRefund, OpWithdraw, OpWithdrawRefund:
		data, err := a.escrowABI.Pack(string(op), id)
		return data, value, err
	}
	return nil, nil, fmt.Errorf("unsupported operation %q", op)
}

// GetAssetHolderAddress returns the owner of an agent NFT. policyID is the
// registry contract and assetName the decimal token id.
func (a *EVMAdapter) GetAssetHolderAddress(ctx context.Context, policyID, assetName string) (string, error) {
	if !common.IsHexAddress(policyID) {
		return "", Permanent("owner", fmt.Errorf("invalid registry address %q", policyID))
	}
	tokenID, ok := new(big.Int).SetString(assetName, 10)
	if !ok || tokenID.Sign() < 0 {
		return "", Permanent("owner", fmt.Errorf("invalid token id %q", assetName))
	}
	registry := common.HexToAddress(policyID)

	data, err := a.nftABI.Pack("ownerOf", tokenID)
	if err != nil {
		return "", Permanent("owner", err)
	}
	result, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &registry, Data: data}, nil)
	if err != nil {
		return "", classify("owner", err)
	}
	out, err := a.nftABI.Unpack("ownerOf", result)
	if err != nil || len(out) != 1 {
		return "", Permanent("owner", fmt.Errorf("decode ownerOf: %v", err))
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return "", Permanent("owner", fmt.Errorf("unexpected ownerOf output type"))
	}
	return owner.Hex(), nil
}

// Close closes the client connection.
func (a *EVMAdapter) Close() {
	if a.client != nil {
		a.client.Close()
	}
}

// Node errors that no retry will fix.
var permanentMarkers = []string{
	"execution reverted",
	"invalid opcode",
	"exceeds block gas limit",
	"invalid sender",
}

// classify sorts RPC failures. Anything not known to be permanent is transient.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return Permanent(op, err)
		}
	}
	return Transient(op, err)
}
