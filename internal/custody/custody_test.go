package custody

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat's first default account.
const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func newTestCustody(t *testing.T) *Custody {
	t.Helper()
	c, err := New(
		WalletConfig{ID: "sell-1", SourceID: "src", Purpose: PurposeSelling, PrivateKey: testKey},
		WalletConfig{ID: "buy-1", SourceID: "src", Purpose: PurposePurchasing, PrivateKey: "0x" + mustKeyHex(t)},
	)
	require.NoError(t, err)
	return c
}

func mustKeyHex(t *testing.T) string {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return common.Bytes2Hex(crypto.FromECDSA(key))
}

func TestNew_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		cfg  WalletConfig
	}{
		{"short", WalletConfig{ID: "w", PrivateKey: "abc"}},
		{"not hex", WalletConfig{ID: "w", PrivateKey: "zz0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"}},
		{"empty", WalletConfig{ID: "w"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidPrivateKey)
		})
	}

	_, err := New(WalletConfig{PrivateKey: testKey})
	assert.Error(t, err)
}

func TestAdd_Duplicate(t *testing.T) {
	c := newTestCustody(t)
	err := c.Add(WalletConfig{ID: "sell-1", PrivateKey: testKey})
	assert.ErrorIs(t, err, ErrDuplicateWallet)
}

func TestResolveAddress(t *testing.T) {
	c := newTestCustody(t)

	addr, pkh, err := c.ResolveAddress("sell-1")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), addr)

	// The address is the last 20 bytes of the payment key hash.
	assert.Equal(t, addr.Bytes(), pkh.Bytes()[12:])

	_, _, err = c.ResolveAddress("nope")
	assert.ErrorIs(t, err, ErrUnknownWallet)
}

func TestWalletFor(t *testing.T) {
	c := newTestCustody(t)

	id, err := c.WalletFor("src", PurposeSelling)
	require.NoError(t, err)
	assert.Equal(t, "sell-1", id)

	id, err = c.WalletFor("src", PurposePurchasing)
	require.NoError(t, err)
	assert.Equal(t, "buy-1", id)

	_, err = c.WalletFor("other", PurposeSelling)
	assert.ErrorIs(t, err, ErrNoWallet)
}

func TestSignHash_Recoverable(t *testing.T) {
	c := newTestCustody(t)
	signer, err := c.Signer("sell-1")
	require.NoError(t, err)
	assert.Equal(t, "sell-1", signer.WalletID())

	digest := crypto.Keccak256([]byte("escrow"))
	sig, err := signer.SignHash(digest)
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), crypto.PubkeyToAddress(*pub))

	_, err = c.SignHash("sell-1", []byte("too short"))
	assert.Error(t, err)
}

func TestSignTx(t *testing.T) {
	c := newTestCustody(t)
	chainID := big.NewInt(84532)
	to := common.HexToAddress("0x1234567890123456789012345678901234567890")
	tx := types.NewTransaction(7, to, big.NewInt(0), 100000, big.NewInt(1_000_000_000), []byte{0x01})

	signed, err := c.Sign("sell-1", tx, chainID)
	require.NoError(t, err)

	from, err := types.Sender(types.NewEIP155Signer(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), from)
	assert.Equal(t, uint64(7), signed.Nonce())

	_, err = c.Sign("missing", tx, chainID)
	assert.ErrorIs(t, err, ErrUnknownWallet)
}

func TestLock_SerializesWallet(t *testing.T) {
	c := newTestCustody(t)

	unlock, err := c.Lock(context.Background(), "sell-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Lock(ctx, "sell-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := c.Lock(context.Background(), "sell-1")
	require.NoError(t, err)
	unlock2()
}
