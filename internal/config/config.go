// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Apply pending migrations at startup

	// Ledger store
	TxMaxAttempts int
	TxBaseDelay   time.Duration

	// Money
	Currency                 string
	PlatformWalletID         string
	PlatformFeeRate          decimal.Decimal
	CardFeeRate              decimal.Decimal
	CardFeeFlatCents         int64
	InstantWithdrawalFeeRate decimal.Decimal

	// Rails
	StripeSecretKey     string // Empty selects the sandbox rail
	StripeWebhookSecret string // Verifies payout callbacks, optional

	// Security
	JWTSecret      string
	RateLimitRPM   int
	AllowedOrigins []string // CORS origins, empty allows any

	// Event fan-out
	SNSTopicARN string // Optional

	// Observability
	OTLPEndpoint string // Optional, tracing disabled if empty

	// Background jobs
	ReconcileSchedule string // cron spec, empty disables
}

const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultCurrency                 = "USD"
	DefaultPlatformWalletID         = "platform"
	DefaultPlatformFeeRate          = "0.025"
	DefaultCardFeeRate              = "0.029"
	DefaultCardFeeFlatCents         = 30
	DefaultInstantWithdrawalFeeRate = "0.01"
	DefaultTxMaxAttempts            = 5
	DefaultTxBaseDelay              = 5 * time.Millisecond
	DefaultRateLimit                = 100
	DefaultReconcileSchedule        = "@every 15m"

	devJWTSecret = "dev-only-insecure-jwt-secret"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("AUTO_MIGRATE", false),
		TxMaxAttempts:       int(getEnvInt64("TX_MAX_ATTEMPTS", DefaultTxMaxAttempts)),
		TxBaseDelay:         getEnvDuration("TX_BASE_DELAY", DefaultTxBaseDelay),
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		PlatformWalletID:    getEnv("PLATFORM_WALLET_ID", DefaultPlatformWalletID),
		CardFeeFlatCents:    getEnvInt64("CARD_FEE_FLAT_CENTS", DefaultCardFeeFlatCents),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		SNSTopicARN:         os.Getenv("SNS_TOPIC_ARN"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ReconcileSchedule:   getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		AllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	var err error
	if cfg.PlatformFeeRate, err = getEnvRate("PLATFORM_FEE_RATE", DefaultPlatformFeeRate); err != nil {
		return nil, err
	}
	if cfg.CardFeeRate, err = getEnvRate("CARD_FEE_RATE", DefaultCardFeeRate); err != nil {
		return nil, err
	}
	if cfg.InstantWithdrawalFeeRate, err = getEnvRate("INSTANT_WITHDRAWAL_FEE_RATE", DefaultInstantWithdrawalFeeRate); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() {
		if c.JWTSecret == devJWTSecret || len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	one := decimal.NewFromInt(1)
	for name, rate := range map[string]decimal.Decimal{
		"PLATFORM_FEE_RATE":           c.PlatformFeeRate,
		"CARD_FEE_RATE":               c.CardFeeRate,
		"INSTANT_WITHDRAWAL_FEE_RATE": c.InstantWithdrawalFeeRate,
	} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return fmt.Errorf("%s must be in [0, 1), got %s", name, rate)
		}
	}
	if c.CardFeeFlatCents < 0 {
		return fmt.Errorf("CARD_FEE_FLAT_CENTS must not be negative")
	}
	if c.TxMaxAttempts < 1 {
		return fmt.Errorf("TX_MAX_ATTEMPTS must be at least 1")
	}
	if c.PlatformWalletID == "" {
		return fmt.Errorf("PLATFORM_WALLET_ID is required")
	}

	return nil
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

// getEnvList splits a comma separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
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

func getEnvRate(key, defaultValue string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal: %w", key, err)
	}
	return d, nil
}
