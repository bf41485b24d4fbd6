// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
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

	// Catalog
	CatalogSeedPath string // JSON products loaded at startup (optional)

	// Auth
	JWTSecret string
	JWTIssuer string

	// Escrow
	CommissionRate decimal.Decimal // default rate until an admin sets one
	SweepInterval  time.Duration   // 0 disables the in-process sweeper
	SweepBatchSize int

	// Checkout replay cache
	IdempotencyDBPath string
	IdempotencyTTL    time.Duration

	// Deposits
	StripeWebhookSecret string // webhook disabled when empty

	// Security
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string // tracing disabled when empty
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultJWTIssuer         = "bazaar"
	DefaultCommissionRate    = "10"
	DefaultSweepInterval     = time.Hour
	DefaultSweepBatchSize    = 500
	DefaultIdempotencyDBPath = "idempotency.db"
	DefaultIdempotencyTTL    = 24 * time.Hour
	DefaultRateLimit         = 120
	minJWTSecretLength       = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	rate, err := decimal.NewFromString(getEnv("COMMISSION_RATE", DefaultCommissionRate))
	if err != nil {
		return nil, fmt.Errorf("COMMISSION_RATE must be a number: %w", err)
	}
	sweepInterval, err := getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval)
	if err != nil {
		return nil, err
	}
	idemTTL, err := getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		CatalogSeedPath:     os.Getenv("CATALOG_SEED"),
		JWTSecret:           os.Getenv("JWT_SECRET"), // Required, no default
		JWTIssuer:           getEnv("JWT_ISSUER", DefaultJWTIssuer),
		CommissionRate:      rate,
		SweepInterval:       sweepInterval,
		SweepBatchSize:      int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		IdempotencyDBPath:   getEnv("IDEMPOTENCY_DB_PATH", DefaultIdempotencyDBPath),
		IdempotencyTTL:      idemTTL,
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
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
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("COMMISSION_RATE must be between 0 and 100")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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

// getEnvDuration accepts Go durations ("90m") and plain seconds ("3600").
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
