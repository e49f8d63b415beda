package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "ENV", "DEBOUNCE_WINDOW", "QUEUE_NAME", "WORKER_CONCURRENCY", "ENCRYPTION_MODE", "EMBEDDED_WORKER"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	if cfg.Port != "8080" || cfg.Env != "development" || !cfg.IsDevelopment() {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DebounceWindow != 2*time.Second {
		t.Fatalf("DebounceWindow = %s, want 2s", cfg.DebounceWindow)
	}
	if cfg.QueueName != "default" || cfg.WorkerConcurrency != 4 || !cfg.EmbeddedWorker {
		t.Fatalf("unexpected queue defaults %+v", cfg)
	}
	if cfg.EncryptionMode != "all" {
		t.Fatalf("EncryptionMode = %q, want all", cfg.EncryptionMode)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DEBOUNCE_WINDOW", "1500ms")
	t.Setenv("QUEUE_SUBMIT_TIMEOUT", "3")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("EMBEDDED_WORKER", "false")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.1, 192.168.0.0/16,,")

	cfg := Load()
	if cfg.DebounceWindow != 1500*time.Millisecond {
		t.Fatalf("DebounceWindow = %s", cfg.DebounceWindow)
	}
	if cfg.QueueSubmitTimeout != 3*time.Second {
		t.Fatalf("QueueSubmitTimeout = %s", cfg.QueueSubmitTimeout)
	}
	if cfg.WorkerConcurrency != 8 || cfg.EmbeddedWorker {
		t.Fatalf("unexpected worker settings %+v", cfg)
	}
	if len(cfg.RateLimitWhitelist) != 2 || cfg.RateLimitWhitelist[1] != "192.168.0.0/16" {
		t.Fatalf("RateLimitWhitelist = %v", cfg.RateLimitWhitelist)
	}
}

func TestBadNumbersFallBack(t *testing.T) {
	t.Setenv("DEBOUNCE_WINDOW", "soon")
	t.Setenv("WORKER_CONCURRENCY", "many")

	cfg := Load()
	if cfg.DebounceWindow != 2*time.Second || cfg.WorkerConcurrency != 4 {
		t.Fatalf("expected defaults, got %s / %d", cfg.DebounceWindow, cfg.WorkerConcurrency)
	}
}

func TestProductionRequiresDatabase(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "redis://r:6379")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic without DATABASE_URL")
		}
	}()
	Load()
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			EncryptionMode:     "all",
			DebounceWindow:     2 * time.Second,
			QueueSubmitTimeout: 2 * time.Second,
			WorkerConcurrency:  1,
			RateLimitRequests:  10,
			RateLimitWindow:    time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown mode", func(c *Config) { c.EncryptionMode = "some" }, true},
		{"non-admin without admin", func(c *Config) { c.EncryptionMode = "non-admin" }, true},
		{"non-admin with admin", func(c *Config) { c.EncryptionMode = "non-admin"; c.AdminID = "42" }, false},
		{"zero window", func(c *Config) { c.DebounceWindow = 0 }, true},
		{"zero submit timeout", func(c *Config) { c.QueueSubmitTimeout = 0 }, true},
		{"no workers", func(c *Config) { c.WorkerConcurrency = 0 }, true},
		{"sub-second rate window", func(c *Config) { c.RateLimitWindow = time.Millisecond }, true},
		{"operator key", func(c *Config) { c.OperatorPublicKey = strings.Repeat("A", 43) + "=" }, false},
		{"short operator key", func(c *Config) { c.OperatorPublicKey = "AAAA" }, true},
		{"operator key not base64", func(c *Config) { c.OperatorPublicKey = "not a key!" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
