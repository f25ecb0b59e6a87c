// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Rotated log file (optional)
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment sources (escrow contract instances and their hot wallets)
	PaymentSourcesFile string
	Sources            []PaymentSource

	// Security
	AdminAPIKey        string   // Bootstraps an admin key on startup (optional)
	CORSAllowedOrigins []string // empty allows every origin
	RateLimitPerMinute int      // per API key or client IP

	// Tracing
	OTLPEndpoint string

	// Reconciliation loops
	ObserveInterval time.Duration
	ExecuteInterval time.Duration
	CycleTimeout    time.Duration // bound on one full scan of a payment source
	RecordTimeout   time.Duration // bound on a single adapter call
	TxTimeout       time.Duration // an *Initiated action older than this is escalated
	RecheckInterval time.Duration // settled records are re-resolved at most this often
	ClaimTTL        time.Duration // executor lease on a *Requested record
	MaxBackoff      time.Duration

	// Protocol limits
	MinDisputeMargin time.Duration // externalDisputeUnlockTime - unlockTime
	MinSubmitWindow  time.Duration // unlockTime - submitResultTime
	RefundCooldown   time.Duration // per-role cooldown after a refund toggle
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultSourcesFile      = "payment_sources.yaml"
	DefaultObserveInterval  = 20 * time.Second
	DefaultExecuteInterval  = 15 * time.Second
	DefaultCycleTimeout     = 2 * time.Minute
	DefaultRecordTimeout    = 15 * time.Second
	DefaultTxTimeout        = 30 * time.Minute
	DefaultRecheckInterval  = time.Minute
	DefaultClaimTTL         = 2 * time.Minute
	DefaultMaxBackoff       = 5 * time.Minute
	DefaultMinDisputeMargin = 15 * time.Minute
	DefaultMinSubmitWindow  = 15 * time.Minute
	DefaultRefundCooldown   = 10 * time.Minute
	DefaultRateLimitPerMin  = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		LogFile:            os.Getenv("LOG_FILE"),
		LogMaxSizeMB:       int(getEnvInt64("LOG_MAX_SIZE_MB", 100)),
		LogMaxBackups:      int(getEnvInt64("LOG_MAX_BACKUPS", 5)),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PaymentSourcesFile: getEnv("PAYMENT_SOURCES_FILE", DefaultSourcesFile),
		AdminAPIKey:        os.Getenv("ADMIN_API_KEY"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMin)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ObserveInterval:    getEnvDuration("OBSERVE_INTERVAL", DefaultObserveInterval),
		ExecuteInterval:    getEnvDuration("EXECUTE_INTERVAL", DefaultExecuteInterval),
		CycleTimeout:       getEnvDuration("CYCLE_TIMEOUT", DefaultCycleTimeout),
		RecordTimeout:      getEnvDuration("RECORD_TIMEOUT", DefaultRecordTimeout),
		TxTimeout:          getEnvDuration("TX_TIMEOUT", DefaultTxTimeout),
		RecheckInterval:    getEnvDuration("RECHECK_INTERVAL", DefaultRecheckInterval),
		ClaimTTL:           getEnvDuration("CLAIM_TTL", DefaultClaimTTL),
		MaxBackoff:         getEnvDuration("MAX_BACKOFF", DefaultMaxBackoff),
		MinDisputeMargin:   getEnvDuration("MIN_DISPUTE_MARGIN", DefaultMinDisputeMargin),
		MinSubmitWindow:    getEnvDuration("MIN_SUBMIT_WINDOW", DefaultMinSubmitWindow),
		RefundCooldown:     getEnvDuration("REFUND_COOLDOWN", DefaultRefundCooldown),
	}

	sources, err := LoadSources(cfg.PaymentSourcesFile)
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one payment source is required (see PAYMENT_SOURCES_FILE)")
	}

	seen := make(map[string]bool, len(c.Sources))
	wallets := make(map[string]string)
	for i := range c.Sources {
		if err := c.Sources[i].Validate(); err != nil {
			return err
		}
		if seen[c.Sources[i].ID] {
			return fmt.Errorf("duplicate payment source id %q", c.Sources[i].ID)
		}
		seen[c.Sources[i].ID] = true

		// Wallet ids key the custody store, so they are global.
		for _, w := range c.Sources[i].HotWallets {
			if owner, ok := wallets[w.ID]; ok {
				return fmt.Errorf("hot wallet id %q is used by payment sources %s and %s", w.ID, owner, c.Sources[i].ID)
			}
			wallets[w.ID] = c.Sources[i].ID
		}
	}

	if c.ObserveInterval <= 0 || c.ExecuteInterval <= 0 {
		return fmt.Errorf("OBSERVE_INTERVAL and EXECUTE_INTERVAL must be positive")
	}
	if c.RecordTimeout <= 0 || c.CycleTimeout < c.RecordTimeout {
		return fmt.Errorf("CYCLE_TIMEOUT must be at least RECORD_TIMEOUT")
	}
	if c.ClaimTTL <= c.RecordTimeout {
		return fmt.Errorf("CLAIM_TTL must exceed RECORD_TIMEOUT")
	}

	return nil
}

// Source returns the payment source with the given id.
func (c *Config) Source(id string) (PaymentSource, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return PaymentSource{}, false
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
