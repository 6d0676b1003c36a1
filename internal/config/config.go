// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings
	LedgerRPCURL   string
	Network        string // e.g. "devnet", "mainnet"
	MintDecimals   int    // decimal precision of the settlement asset
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	Commitment     string // target commitment for settlement: processed|confirmed|finalized

	// Signer settings
	SignerKey       string // hex private key for the local signer backend (optional)
	RemoteSignerURL string // HTTP signer daemon endpoint (optional)

	// Escrow policy
	FundingTimeout   time.Duration // how long a Pending escrow may stay unfunded
	AutoRelease      string        // "release" or "refund" for expired funded escrows
	FeeBps           int           // settlement fee in basis points
	SweepInterval    time.Duration
	Moderators       []string // addresses allowed to resolve disputes
	OTLPEndpoint     string   // OpenTelemetry collector, empty disables tracing
	MaxSubmitRetries int
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultNetwork        = "devnet"
	DefaultMintDecimals   = 9
	DefaultCommitment     = "confirmed"
	DefaultAutoRelease    = "release"
	DefaultFundingTimeout = 24 * time.Hour
	DefaultSubmitTimeout  = 10 * time.Second
	DefaultConfirmTimeout = 2 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultSubmitRetries  = 3
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		LedgerRPCURL:     os.Getenv("LEDGER_RPC_URL"),
		Network:          getEnv("NETWORK", DefaultNetwork),
		MintDecimals:     getEnvInt("MINT_DECIMALS", DefaultMintDecimals),
		SubmitTimeout:    getEnvDuration("SUBMIT_TIMEOUT", DefaultSubmitTimeout),
		ConfirmTimeout:   getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		Commitment:       getEnv("COMMITMENT", DefaultCommitment),
		SignerKey:        os.Getenv("SIGNER_KEY"),
		RemoteSignerURL:  os.Getenv("REMOTE_SIGNER_URL"),
		FundingTimeout:   getEnvDuration("FUNDING_TIMEOUT", DefaultFundingTimeout),
		AutoRelease:      getEnv("AUTO_RELEASE_POLICY", DefaultAutoRelease),
		FeeBps:           getEnvInt("FEE_BPS", 0),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		Moderators:       splitList(os.Getenv("MODERATORS")),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MaxSubmitRetries: getEnvInt("MAX_SUBMIT_RETRIES", DefaultSubmitRetries),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.LedgerRPCURL == "" {
		return fmt.Errorf("LEDGER_RPC_URL is required")
	}
	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("COMMITMENT must be processed, confirmed, or finalized (got %q)", c.Commitment)
	}
	switch c.AutoRelease {
	case "release", "refund":
	default:
		return fmt.Errorf("AUTO_RELEASE_POLICY must be release or refund (got %q)", c.AutoRelease)
	}
	if c.FeeBps < 0 || c.FeeBps >= 10000 {
		return fmt.Errorf("FEE_BPS must be in [0, 10000)")
	}
	if c.FundingTimeout <= 0 {
		return fmt.Errorf("FUNDING_TIMEOUT must be positive")
	}
	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
