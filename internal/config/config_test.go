package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

const sourcesYAML = `
paymentSources:
  - id: preprod-main
    network: Preprod
    rpcUrl: https://sepolia.base.org
    chainId: 84532
    contractAddress: "0x1234567890123456789012345678901234567890"
    concurrency: 8
    hotWallets:
      - id: selling
        type: Selling
        privateKeyEnv: TEST_SELLING_KEY
      - id: purchasing
        type: Purchasing
        privateKeyEnv: TEST_PURCHASING_KEY
`

func writeSources(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validSource() PaymentSource {
	return PaymentSource{
		ID:              "src",
		Network:         NetworkPreprod,
		RPCURL:          "https://sepolia.base.org",
		ContractAddress: "0x1234567890123456789012345678901234567890",
		HotWallets:      []HotWallet{{ID: "w1", Type: WalletSelling, PrivateKeyEnv: "K", PrivateKey: testKey}},
	}
}

func validConfig() Config {
	return Config{
		Sources:         []PaymentSource{validSource()},
		ObserveInterval: time.Second,
		ExecuteInterval: time.Second,
		CycleTimeout:    time.Minute,
		RecordTimeout:   time.Second,
		ClaimTTL:        time.Minute,
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "TEST_SELLING_KEY", testKey)
	setEnv(t, "TEST_PURCHASING_KEY", "0x"+testKey)
	setEnv(t, "PAYMENT_SOURCES_FILE", writeSources(t, sourcesYAML))
	setEnv(t, "PORT", "9090")
	setEnv(t, "OBSERVE_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.ObserveInterval)
	assert.Equal(t, DefaultExecuteInterval, cfg.ExecuteInterval)
	assert.Equal(t, DefaultRecheckInterval, cfg.RecheckInterval)
	require.Len(t, cfg.Sources, 1)

	src := cfg.Sources[0]
	assert.Equal(t, "preprod-main", src.ID)
	assert.Equal(t, NetworkPreprod, src.Network)
	assert.Equal(t, int64(84532), src.ChainID)
	assert.Equal(t, 8, src.Concurrency)
	assert.Equal(t, float64(5), src.RateLimitRPS) // default
	assert.Equal(t, 50, src.PageSize)             // default
	require.Len(t, src.HotWallets, 2)
	assert.Equal(t, testKey, src.HotWallets[0].PrivateKey)
	assert.Equal(t, WalletPurchasing, src.HotWallets[1].Type)

	selling := src.Wallets(WalletSelling)
	require.Len(t, selling, 1)
	assert.Equal(t, "selling", selling[0].ID)
}

func TestLoad_MissingSourcesFile(t *testing.T) {
	setEnv(t, "PAYMENT_SOURCES_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one payment source")
}

func TestLoad_MissingWalletKey(t *testing.T) {
	setEnv(t, "TEST_SELLING_KEY", "")
	setEnv(t, "TEST_PURCHASING_KEY", testKey)
	setEnv(t, "PAYMENT_SOURCES_FILE", writeSources(t, sourcesYAML))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestParseSources_InvalidYAML(t *testing.T) {
	_, err := ParseSources([]byte("paymentSources: [:"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "no sources",
			mutate:  func(c *Config) { c.Sources = nil },
			wantErr: "at least one payment source",
		},
		{
			name: "bad network",
			mutate: func(c *Config) {
				c.Sources[0].Network = "Testnet"
			},
			wantErr: "network must be Mainnet or Preprod",
		},
		{
			name: "bad contract address",
			mutate: func(c *Config) {
				c.Sources[0].ContractAddress = "addr_test1xyz"
			},
			wantErr: "contractAddress",
		},
		{
			name: "duplicate source",
			mutate: func(c *Config) {
				c.Sources = append(c.Sources, c.Sources[0])
			},
			wantErr: "duplicate payment source",
		},
		{
			name: "no wallets",
			mutate: func(c *Config) {
				c.Sources[0].HotWallets = nil
			},
			wantErr: "hot wallet",
		},
		{
			name: "wallet shared across sources",
			mutate: func(c *Config) {
				other := validSource()
				other.ID = "src-2"
				c.Sources = append(c.Sources, other)
			},
			wantErr: "hot wallet id",
		},
		{
			name: "bad wallet type",
			mutate: func(c *Config) {
				c.Sources[0].HotWallets[0].Type = "Cold"
			},
			wantErr: "Selling or Purchasing",
		},
		{
			name:    "cycle shorter than record timeout",
			mutate:  func(c *Config) { c.CycleTimeout = time.Millisecond },
			wantErr: "CYCLE_TIMEOUT",
		},
		{
			name:    "claim ttl too short",
			mutate:  func(c *Config) { c.ClaimTTL = time.Second },
			wantErr: "CLAIM_TTL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Source(t *testing.T) {
	cfg := validConfig()
	s, ok := cfg.Source("src")
	assert.True(t, ok)
	assert.Equal(t, NetworkPreprod, s.Network)

	_, ok = cfg.Source("missing")
	assert.False(t, ok)
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DUR_BAD", time.Second))
}

func TestGetEnvList(t *testing.T) {
	setEnv(t, "TEST_LIST", " https://a.example , ,https://b.example")

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, getEnvList("TEST_LIST"))
	assert.Nil(t, getEnvList("NONEXISTENT_VAR"))
}
