package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Network identifies which chain a payment source settles on.
type Network string

const (
	NetworkMainnet Network = "Mainnet"
	NetworkPreprod Network = "Preprod"
)

// Valid reports whether n is a known network.
func (n Network) Valid() bool {
	return n == NetworkMainnet || n == NetworkPreprod
}

// WalletType is the role a hot wallet signs for.
type WalletType string

const (
	WalletSelling    WalletType = "Selling"
	WalletPurchasing WalletType = "Purchasing"
)

// HotWallet references a signing key held in the environment.
type HotWallet struct {
	ID            string     `yaml:"id"`
	Type          WalletType `yaml:"type"`
	PrivateKeyEnv string     `yaml:"privateKeyEnv"`

	// PrivateKey is resolved from PrivateKeyEnv at load time and never read from the file.
	PrivateKey string `yaml:"-"`
}

// PaymentSource is one escrow contract instance the service reconciles.
type PaymentSource struct {
	ID              string      `yaml:"id"`
	Network         Network     `yaml:"network"`
	RPCURL          string      `yaml:"rpcUrl"`
	ChainID         int64       `yaml:"chainId"`
	ContractAddress string      `yaml:"contractAddress"`
	AssetContract   string      `yaml:"assetContract"` // agent registry NFT, used for ownership checks
	Concurrency     int         `yaml:"concurrency"`
	RateLimitRPS    float64     `yaml:"rateLimitRps"`
	PageSize        int         `yaml:"pageSize"`
	HotWallets      []HotWallet `yaml:"hotWallets"`
}

type sourcesFile struct {
	PaymentSources []PaymentSource `yaml:"paymentSources"`
}

// LoadSources reads payment sources from a YAML file and resolves wallet
// keys from the environment. A missing file yields no sources.
func LoadSources(path string) ([]PaymentSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read payment sources: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes the payment source YAML document.
func ParseSources(data []byte) ([]PaymentSource, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse payment sources: %w", err)
	}
	for i := range f.PaymentSources {
		s := &f.PaymentSources[i]
		if s.Concurrency <= 0 {
			s.Concurrency = 4
		}
		if s.RateLimitRPS <= 0 {
			s.RateLimitRPS = 5
		}
		if s.PageSize <= 0 {
			s.PageSize = 50
		}
		for j := range s.HotWallets {
			w := &s.HotWallets[j]
			if w.PrivateKeyEnv != "" {
				w.PrivateKey = os.Getenv(w.PrivateKeyEnv)
			}
		}
	}
	return f.PaymentSources, nil
}

// Validate checks a single payment source.
func (s *PaymentSource) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("payment source id is required")
	}
	if !s.Network.Valid() {
		return fmt.Errorf("payment source %s: network must be Mainnet or Preprod", s.ID)
	}
	if s.RPCURL == "" {
		return fmt.Errorf("payment source %s: rpcUrl is required", s.ID)
	}
	if !common.IsHexAddress(s.ContractAddress) {
		return fmt.Errorf("payment source %s: contractAddress is not a valid address", s.ID)
	}
	if len(s.HotWallets) == 0 {
		return fmt.Errorf("payment source %s: at least one hot wallet is required", s.ID)
	}
	for _, w := range s.HotWallets {
		if w.ID == "" {
			return fmt.Errorf("payment source %s: hot wallet id is required", s.ID)
		}
		if w.Type != WalletSelling && w.Type != WalletPurchasing {
			return fmt.Errorf("payment source %s: wallet %s: type must be Selling or Purchasing", s.ID, w.ID)
		}
		key := strings.TrimPrefix(w.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("payment source %s: wallet %s: %s must be 64 hex characters (with or without 0x prefix)",
				s.ID, w.ID, w.PrivateKeyEnv)
		}
	}
	return nil
}

// Wallets returns the source's hot wallets of the given type.
func (s *PaymentSource) Wallets(t WalletType) []HotWallet {
	var out []HotWallet
	for _, w := range s.HotWallets {
		if w.Type == t {
			out = append(out, w)
		}
	}
	return out
}
