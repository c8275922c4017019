package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "PORT", "9090")
	setEnv(t, "AUTO_MIGRATE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, DefaultPlatformWalletID, cfg.PlatformWalletID)
	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.025")))
	assert.True(t, cfg.CardFeeRate.Equal(decimal.RequireFromString("0.029")))
	assert.Equal(t, int64(30), cfg.CardFeeFlatCents)
	assert.Equal(t, DefaultTxMaxAttempts, cfg.TxMaxAttempts)
	assert.Equal(t, devJWTSecret, cfg.JWTSecret)
	assert.False(t, cfg.AutoMigrate)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_RATE", "0.05")
	setEnv(t, "TX_MAX_ATTEMPTS", "9")
	setEnv(t, "TX_BASE_DELAY", "20ms")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://app.example.com, ,https://admin.example.com")
	setEnv(t, "AUTO_MIGRATE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.PlatformFeeRate.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 9, cfg.TxMaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.TxBaseDelay)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.True(t, cfg.AutoMigrate)
}

func TestLoad_InvalidRate(t *testing.T) {
	setEnv(t, "CARD_FEE_RATE", "abc")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CARD_FEE_RATE")
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                      "development",
			JWTSecret:                "secret",
			TxMaxAttempts:            5,
			PlatformWalletID:         "platform",
			PlatformFeeRate:          decimal.RequireFromString("0.025"),
			CardFeeRate:              decimal.RequireFromString("0.029"),
			InstantWithdrawalFeeRate: decimal.RequireFromString("0.01"),
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: "JWT_SECRET is required"},
		{name: "rate too high", mutate: func(c *Config) { c.PlatformFeeRate = decimal.NewFromInt(1) }, wantErr: "PLATFORM_FEE_RATE"},
		{name: "negative rate", mutate: func(c *Config) { c.CardFeeRate = decimal.RequireFromString("-0.1") }, wantErr: "CARD_FEE_RATE"},
		{name: "negative flat fee", mutate: func(c *Config) { c.CardFeeFlatCents = -1 }, wantErr: "CARD_FEE_FLAT_CENTS"},
		{name: "zero attempts", mutate: func(c *Config) { c.TxMaxAttempts = 0 }, wantErr: "TX_MAX_ATTEMPTS"},
		{
			name: "short production secret",
			mutate: func(c *Config) {
				c.Env = "production"
				c.DatabaseURL = "postgres://x"
			},
			wantErr: "at least 32 characters",
		},
		{
			name: "production without database",
			mutate: func(c *Config) {
				c.Env = "production"
				c.JWTSecret = "0123456789abcdef0123456789abcdef"
			},
			wantErr: "DATABASE_URL is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_EnvironmentChecks(t *testing.T) {
	assert.True(t, (&Config{Env: "development"}).IsDevelopment())
	assert.False(t, (&Config{Env: "development"}).IsProduction())
	assert.True(t, (&Config{Env: "production"}).IsProduction())
}
