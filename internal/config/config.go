// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"

	"github.com/sendguard/sendguard/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	Network string // "mainnet", "testnet", "regtest"

	// Remote service endpoints
	AuthServiceURL    string // External authentication service
	ProfileServiceURL string // User profile service
	DerivationURL     string // Address derivation service
	RegistryURL       string // Account registry service
	RiskServiceURL    string // Risk analysis (address scoring) service
	LedgerServiceURL  string // Submission/ledger service

	// Workflow timeouts
	AnalyzeTimeout time.Duration // Bound on a single risk analysis call
	SubmitTimeout  time.Duration // Bound on a single submission call

	// Notifications
	WebhookURL    string // Terminal-outcome webhook target (optional)
	WebhookSecret string // HMAC secret for webhook signatures

	// Security
	RateLimitRPM   int
	AllowedOrigins []string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultNetwork        = "mainnet"
	DefaultAnalyzeTimeout = 30 * time.Second
	DefaultSubmitTimeout  = 60 * time.Second
	DefaultRateLimit      = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Network:           getEnv("BTC_NETWORK", DefaultNetwork),
		AuthServiceURL:    os.Getenv("AUTH_SERVICE_URL"),
		ProfileServiceURL: os.Getenv("PROFILE_SERVICE_URL"),
		DerivationURL:     os.Getenv("DERIVATION_SERVICE_URL"),
		RegistryURL:       os.Getenv("REGISTRY_SERVICE_URL"),
		RiskServiceURL:    os.Getenv("RISK_SERVICE_URL"),
		LedgerServiceURL:  os.Getenv("LEDGER_SERVICE_URL"),
		AnalyzeTimeout:    getEnvDuration("ANALYZE_TIMEOUT", DefaultAnalyzeTimeout),
		SubmitTimeout:     getEnvDuration("SUBMIT_TIMEOUT", DefaultSubmitTimeout),
		WebhookURL:        os.Getenv("WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RiskServiceURL == "" {
		return fmt.Errorf("RISK_SERVICE_URL is required")
	}
	if c.LedgerServiceURL == "" {
		return fmt.Errorf("LEDGER_SERVICE_URL is required")
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	if c.AnalyzeTimeout <= 0 {
		return fmt.Errorf("ANALYZE_TIMEOUT must be positive")
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("SUBMIT_TIMEOUT must be positive")
	}
	if c.WebhookURL != "" {
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
		}
		if !c.IsDevelopment() {
			if err := security.ValidateEndpointURL(c.WebhookURL); err != nil {
				return fmt.Errorf("WEBHOOK_URL rejected: %w", err)
			}
		}
	}
	return nil
}

// ChainParams returns the chain parameters for the configured network
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("BTC_NETWORK must be mainnet, testnet, or regtest (got %q)", c.Network)
	}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
