// Package custody holds the hot wallets that sign escrow transactions and
// correlation tokens.
package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowsync/internal/syncutil"
)

var (
	ErrInvalidPrivateKey = errors.New("custody: invalid private key")
	ErrUnknownWallet     = errors.New("custody: unknown wallet")
	ErrDuplicateWallet   = errors.New("custody: wallet already registered")
	ErrNoWallet          = errors.New("custody: no wallet for source and purpose")
)

// Purpose is the role a wallet signs for.
type Purpose string

const (
	PurposeSelling    Purpose = "Selling"
	PurposePurchasing Purpose = "Purchasing"
)

// WalletConfig describes one hot wallet.
type WalletConfig struct {
	ID         string
	SourceID   string
	Purpose    Purpose
	PrivateKey string // hex, with or without 0x
}

type hotWallet struct {
	id       string
	sourceID string
	purpose  Purpose
	key      *ecdsa.PrivateKey
	address  common.Address
}

// Custody is an in-process key store. Keys never leave it; callers get
// signatures, addresses and per-wallet locks.
type Custody struct {
	mu      sync.RWMutex
	wallets map[string]*hotWallet
	locks   *syncutil.KeyLock
}

// New creates a custody store with the given wallets.
func New(wallets ...WalletConfig) (*Custody, error) {
	c := &Custody{
		wallets: make(map[string]*hotWallet),
		locks:   syncutil.NewKeyLock(),
	}
	for _, w := range wallets {
		if err := c.Add(w); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers a wallet.
func (c *Custody) Add(cfg WalletConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("custody: wallet id required")
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: wallet %s: must be 64 hex characters", ErrInvalidPrivateKey, cfg.ID)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return fmt.Errorf("%w: wallet %s: %v", ErrInvalidPrivateKey, cfg.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.wallets[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWallet, cfg.ID)
	}
	c.wallets[cfg.ID] = &hotWallet{
		id:       cfg.ID,
		sourceID: cfg.SourceID,
		purpose:  cfg.Purpose,
		key:      privateKey,
		address:  crypto.PubkeyToAddress(privateKey.PublicKey),
	}
	return nil
}

func (c *Custody) get(walletID string) (*hotWallet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.wallets[walletID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, walletID)
	}
	return w, nil
}

// WalletFor returns the id of the first wallet registered for a source and purpose.
func (c *Custody) WalletFor(sourceID string, purpose Purpose) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best string
	for id, w := range c.wallets {
		if w.sourceID != sourceID || w.purpose != purpose {
			continue
		}
		if best == "" || id < best {
			best = id
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrNoWallet, sourceID, purpose)
	}
	return best, nil
}

// ResolveAddress returns a wallet's address and payment key hash. The payment
// key hash is keccak256 of the uncompressed public key without its prefix byte.
func (c *Custody) ResolveAddress(walletID string) (common.Address, common.Hash, error) {
	w, err := c.get(walletID)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	return w.address, paymentKeyHash(&w.key.PublicKey), nil
}

func paymentKeyHash(pub *ecdsa.PublicKey) common.Hash {
	return crypto.Keccak256Hash(crypto.FromECDSAPub(pub)[1:])
}

// Sign signs an unsigned transaction with EIP-155 replay protection.
func (c *Custody) Sign(walletID string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	w, err := c.get(walletID)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("custody: sign tx with %s: %w", walletID, err)
	}
	return signed, nil
}

// SignHash returns a 65-byte recoverable signature over a 32-byte digest.
func (c *Custody) SignHash(walletID string, digest []byte) ([]byte, error) {
	w, err := c.get(walletID)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, fmt.Errorf("custody: sign hash with %s: %w", walletID, err)
	}
	return sig, nil
}

// Lock serializes use of one wallet so nonces are assigned in order. It
// gives up when ctx is done.
func (c *Custody) Lock(ctx context.Context, walletID string) (func(), error) {
	return c.locks.Lock(ctx, walletID)
}

// Signer binds a single wallet to the custody store.
type Signer struct {
	custody  *Custody
	walletID string
	address  common.Address
}

// Signer returns a signer handle for walletID.
func (c *Custody) Signer(walletID string) (*Signer, error) {
	w, err := c.get(walletID)
	if err != nil {
		return nil, err
	}
	return &Signer{custody: c, walletID: walletID, address: w.address}, nil
}

// WalletID returns the wallet the signer uses.
func (s *Signer) WalletID() string { return s.walletID }

// Address returns the wallet address.
func (s *Signer) Address() common.Address { return s.address }

// SignHash signs a 32-byte digest.
func (s *Signer) SignHash(digest []byte) ([]byte, error) {
	return s.custody.SignHash(s.walletID, digest)
}

// SignTx signs a transaction for chainID.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return s.custody.Sign(s.walletID, tx, chainID)
}
