package app

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("max retries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.DefaultCooldown != 60*time.Second {
		t.Errorf("cooldown = %v, want 60s", cfg.DefaultCooldown)
	}
	if cfg.HealthTTL != 60*time.Second {
		t.Errorf("health ttl = %v, want 60s", cfg.HealthTTL)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v, want 30s", cfg.ShutdownTimeout)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("KEYMUX_LISTEN_ADDR", ":9090")
	t.Setenv("KEYMUX_MAX_RETRY_ATTEMPTS", "5")
	t.Setenv("KEYMUX_HEALTH_TTL_SECS", "120")
	t.Setenv("KEYMUX_OTEL_ENABLED", "true")

	cfg := FromEnv()
	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("max retries = %d", cfg.MaxRetries)
	}
	if cfg.HealthTTL != 120*time.Second {
		t.Errorf("health ttl = %v", cfg.HealthTTL)
	}
	if !cfg.OTelEnabled {
		t.Error("otel not enabled")
	}
}

func TestValidate(t *testing.T) {
	cfg := FromEnv()
	if err := cfg.Validate(); err == nil {
		t.Error("expected error without encryption key")
	}

	cfg.EncryptionKey = "passphrase"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	cfg.MaxRetries = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero retries")
	}
}
