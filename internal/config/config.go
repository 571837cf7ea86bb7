// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kunsthall/settlement/internal/commission"
	"github.com/kunsthall/settlement/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Storage and messaging
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBMaxOpenConns int64
	RedisURL     string   // Sweep lease (optional)
	KafkaBrokers []string // Notification queue (optional, logs only if empty)
	NotifyTopic  string

	// Payment processor
	StripeSecretKey string
	StripeAPIURL    string // Overrides the Stripe API base URL (stripe-mock, tests)
	Currency        string

	// Settlement policy
	Rates               commission.Rates
	ApprovalWindow      time.Duration
	DeadlineWarningLead time.Duration
	OfferExpiry         time.Duration
	SweepInterval       time.Duration
	ReleaseClaimTTL     time.Duration

	// Security
	InternalAPIToken      string // Shared with the web app that forwards user identity
	AdminSecret           string
	UserRequestsPerMinute int64 // Per-user limit on party routes, 0 disables

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultDBMaxOpenConns      = 25
	DefaultNotifyTopic         = "marketplace.notifications"
	DefaultCurrency            = "nok"
	DefaultCommissionPercent   = "20"
	DefaultVATPercent          = "25"
	DefaultApprovalWindow      = 30 * 24 * time.Hour
	DefaultDeadlineWarningLead = 72 * time.Hour
	DefaultOfferExpiry         = 7 * 24 * time.Hour
	DefaultSweepInterval       = time.Minute
	DefaultReleaseClaimTTL     = 10 * time.Minute
	DefaultUserRequestsPerMin  = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:   getEnvInt64("DB_MAX_OPEN_CONNS", DefaultDBMaxOpenConns),
		RedisURL:         os.Getenv("REDIS_URL"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		NotifyTopic:      getEnv("NOTIFY_TOPIC", DefaultNotifyTopic),
		StripeSecretKey:  os.Getenv("STRIPE_SECRET_KEY"),
		StripeAPIURL:     os.Getenv("STRIPE_API_URL"),
		Currency:         strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		InternalAPIToken: os.Getenv("INTERNAL_API_TOKEN"),
		AdminSecret:      os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.UserRequestsPerMinute = getEnvInt64("USER_RATE_LIMIT_PER_MINUTE", DefaultUserRequestsPerMin)

	var err error
	if cfg.Rates.CommissionBps, err = money.ParsePercent(getEnv("COMMISSION_RATE_PERCENT", DefaultCommissionPercent)); err != nil {
		return nil, fmt.Errorf("COMMISSION_RATE_PERCENT: %w", err)
	}
	if cfg.Rates.VATBps, err = money.ParsePercent(getEnv("VAT_RATE_PERCENT", DefaultVATPercent)); err != nil {
		return nil, fmt.Errorf("VAT_RATE_PERCENT: %w", err)
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"ESCROW_APPROVAL_WINDOW", DefaultApprovalWindow, &cfg.ApprovalWindow},
		{"DEADLINE_WARNING_LEAD", DefaultDeadlineWarningLead, &cfg.DeadlineWarningLead},
		{"OFFER_EXPIRY", DefaultOfferExpiry, &cfg.OfferExpiry},
		{"SWEEP_INTERVAL", DefaultSweepInterval, &cfg.SweepInterval},
		{"RELEASE_CLAIM_TTL", DefaultReleaseClaimTTL, &cfg.ReleaseClaimTTL},
	}
	for _, d := range durations {
		if *d.dest, err = getEnvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if err := c.Rates.Validate(); err != nil {
		return fmt.Errorf("commission rates: %w", err)
	}
	if c.ApprovalWindow <= 0 {
		return fmt.Errorf("ESCROW_APPROVAL_WINDOW must be positive")
	}
	if c.DeadlineWarningLead < 0 || c.DeadlineWarningLead >= c.ApprovalWindow {
		return fmt.Errorf("DEADLINE_WARNING_LEAD must be shorter than ESCROW_APPROVAL_WINDOW")
	}
	if c.OfferExpiry <= 0 {
		return fmt.Errorf("OFFER_EXPIRY must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.ReleaseClaimTTL <= 0 {
		return fmt.Errorf("RELEASE_CLAIM_TTL must be positive")
	}
	if c.UserRequestsPerMinute < 0 {
		return fmt.Errorf("USER_RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code")
	}

	if !c.IsDevelopment() {
		// In-memory stores lose escrow state on restart.
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required outside development")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required outside development")
		}
		if c.InternalAPIToken == "" {
			return fmt.Errorf("INTERNAL_API_TOKEN is required outside development")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required outside development")
		}
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

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
