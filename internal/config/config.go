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
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	MigrateOnStart bool

	// Security
	JWTSecret          string
	AdminSecret        string // guards /v1/internal routes
	CORSOrigins        []string
	RateLimitPerMinute int
	RateLimitBurst     int

	// Ledger settings
	PlatformWalletOwner string
	MinEscrowAmount     int64
	AutoReleaseHours    int
	AutoReleaseInterval time.Duration
	GracePeriodDays     int

	// Outbound events
	KafkaBrokers   []string
	KafkaTopic     string
	EventQueueSize int

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultPlatformWalletOwner = "platform"
	DefaultMinEscrowAmount     = 100
	DefaultAutoReleaseHours    = 72
	DefaultAutoReleaseInterval = 30 * time.Second
	DefaultGracePeriodDays     = 7
	DefaultKafkaTopic          = "gigledger.events"
	DefaultEventQueueSize      = 1024
	DefaultRateLimitPerMinute  = 120
	DefaultRateLimitBurst      = 30
	DefaultTraceSampleRatio    = 1.0
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
		MigrateOnStart:      getEnvBool("MIGRATE_ON_START", false),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitPerMinute:  int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		PlatformWalletOwner: getEnv("PLATFORM_WALLET_OWNER", DefaultPlatformWalletOwner),
		MinEscrowAmount:     getEnvInt64("MIN_ESCROW_AMOUNT", DefaultMinEscrowAmount),
		AutoReleaseHours:    int(getEnvInt64("AUTO_RELEASE_HOURS", DefaultAutoReleaseHours)),
		AutoReleaseInterval: getEnvDuration("AUTO_RELEASE_INTERVAL", DefaultAutoReleaseInterval),
		GracePeriodDays:     int(getEnvInt64("GRACE_PERIOD_DAYS", DefaultGracePeriodDays)),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		EventQueueSize:      int(getEnvInt64("EVENT_QUEUE_SIZE", DefaultEventQueueSize)),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:    getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
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
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.MinEscrowAmount <= 0 {
		return fmt.Errorf("MIN_ESCROW_AMOUNT must be positive, got %d", c.MinEscrowAmount)
	}
	if c.AutoReleaseHours <= 0 {
		return fmt.Errorf("AUTO_RELEASE_HOURS must be positive, got %d", c.AutoReleaseHours)
	}
	if c.AutoReleaseInterval <= 0 {
		return fmt.Errorf("AUTO_RELEASE_INTERVAL must be positive")
	}
	if c.GracePeriodDays < 0 {
		return fmt.Errorf("GRACE_PERIOD_DAYS must not be negative, got %d", c.GracePeriodDays)
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %g", c.TraceSampleRatio)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be positive, got %d", c.EventQueueSize)
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
