package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/eldtechnologies/kalenda/internal/crypto"
	"github.com/eldtechnologies/kalenda/internal/store"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string // Postgres for analytics; SQLite is used when empty
	SQLitePath  string
	RedisURL    string

	// Secure store
	EncryptionMode string // all, non-admin or none
	AdminID        string // owner excluded from encryption in non-admin mode
	StoreKeys      string // "1:<base64>,2:<base64>"

	// Coalescing and dispatch
	DebounceWindow     time.Duration
	QueueName          string
	QueueSubmitTimeout time.Duration
	WorkerConcurrency  int
	EmbeddedWorker     bool // run queue consumers inside the server process

	// Upstream collaborators
	ProcessorURL    string
	SendURL         string
	SigningKey      string // base64 Ed25519 seed
	UpstreamTimeout time.Duration

	// Operator routes (/users/{id}/..., /chats) require requests signed
	// with the matching private key.
	OperatorPublicKey string // base64 Ed25519 public key

	SentryDSN string

	// Rate limiting
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/kalenda.db"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		EncryptionMode: getEnv("ENCRYPTION_MODE", "all"),
		AdminID:        os.Getenv("ADMIN_ID"),
		StoreKeys:      os.Getenv("STORE_ENCRYPTION_KEYS"),

		DebounceWindow:     getDuration("DEBOUNCE_WINDOW", 2*time.Second),
		QueueName:          getEnv("QUEUE_NAME", "default"),
		QueueSubmitTimeout: getDuration("QUEUE_SUBMIT_TIMEOUT", 2*time.Second),
		WorkerConcurrency:  getInt("WORKER_CONCURRENCY", 4),
		EmbeddedWorker:     getEnv("EMBEDDED_WORKER", "true") == "true",

		ProcessorURL:    os.Getenv("PROCESSOR_URL"),
		SendURL:         os.Getenv("SEND_URL"),
		SigningKey:      os.Getenv("SIGNING_KEY"),
		UpstreamTimeout: getDuration("UPSTREAM_TIMEOUT", 30*time.Second),

		OperatorPublicKey: os.Getenv("OPERATOR_PUBLIC_KEY"),

		SentryDSN: os.Getenv("SENTRY_DSN"),

		RateLimitRequests: getInt("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production, require database and redis URLs and a key for the store
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if os.Getenv("REDIS_URL") == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.StoreKeys == "" && cfg.EncryptionMode != string(store.EncryptNone) {
			panic("STORE_ENCRYPTION_KEYS is required in production")
		}
	}

	return cfg
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error

	mode, err := store.ParseEncryptionMode(c.EncryptionMode)
	if err != nil {
		errs = append(errs, err)
	}
	if mode == store.EncryptNonAdmin && c.AdminID == "" {
		errs = append(errs, errors.New("ADMIN_ID is required when ENCRYPTION_MODE=non-admin"))
	}
	if c.DebounceWindow <= 0 {
		errs = append(errs, fmt.Errorf("DEBOUNCE_WINDOW must be positive, got %s", c.DebounceWindow))
	}
	if c.QueueSubmitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_SUBMIT_TIMEOUT must be positive, got %s", c.QueueSubmitTimeout))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency))
	}
	if c.OperatorPublicKey != "" {
		if _, err := crypto.ParsePublicKey(c.OperatorPublicKey); err != nil {
			errs = append(errs, fmt.Errorf("OPERATOR_PUBLIC_KEY: %w", err))
		}
	}
	if c.RateLimitRequests < 1 || c.RateLimitWindow < time.Second {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS must be at least 1 and RATE_LIMIT_WINDOW at least 1s"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration accepts Go durations ("1500ms") or plain seconds ("2").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}
