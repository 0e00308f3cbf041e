// Package app wires the service together: configuration, component
// construction, and server lifecycle.
package app

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the service configuration, read from KEYMUX_* env vars.
type Config struct {
	ListenAddr string
	LogLevel   string

	// EncryptionKey seals key material at rest. Either a 44-char
	// base64 key or a passphrase, in which case EncryptionSalt is
	// required.
	EncryptionKey  string
	EncryptionSalt string

	// DBPath selects the sqlite file; empty runs on the in-memory
	// store.
	DBPath string

	// BudgetMode is the enforcement applied to budgets created
	// without an explicit mode: "hard" or "soft".
	BudgetMode string

	MaxDecisions    int
	MaxTransitions  int
	DefaultCooldown time.Duration
	HealthTTL       time.Duration
	MaxRetries      int
	ProviderTimeout time.Duration
	ShutdownTimeout time.Duration

	OTelEnabled  bool
	OTelEndpoint string
}

// FromEnv builds the configuration from environment variables,
// applying defaults for everything optional.
func FromEnv() Config {
	return Config{
		ListenAddr:      envStr("KEYMUX_LISTEN_ADDR", ":8080"),
		LogLevel:        envStr("KEYMUX_LOG_LEVEL", "info"),
		EncryptionKey:   os.Getenv("KEYMUX_ENCRYPTION_KEY"),
		EncryptionSalt:  os.Getenv("KEYMUX_ENCRYPTION_SALT"),
		DBPath:          os.Getenv("KEYMUX_DB_PATH"),
		BudgetMode:      envStr("KEYMUX_BUDGET_MODE", "hard"),
		MaxDecisions:    envInt("KEYMUX_MAX_DECISIONS", 0),
		MaxTransitions:  envInt("KEYMUX_MAX_TRANSITIONS", 0),
		DefaultCooldown: envSecs("KEYMUX_DEFAULT_COOLDOWN_SECS", 60*time.Second),
		HealthTTL:       envSecs("KEYMUX_HEALTH_TTL_SECS", 60*time.Second),
		MaxRetries:      envInt("KEYMUX_MAX_RETRY_ATTEMPTS", 3),
		ProviderTimeout: envSecs("KEYMUX_PROVIDER_TIMEOUT_SECS", 60*time.Second),
		ShutdownTimeout: envSecs("KEYMUX_SHUTDOWN_TIMEOUT_SECS", 30*time.Second),
		OTelEnabled:     os.Getenv("KEYMUX_OTEL_ENABLED") == "true",
		OTelEndpoint:    envStr("KEYMUX_OTEL_ENDPOINT", "localhost:4318"),
	}
}

// Validate checks the configuration before the server starts.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("config: KEYMUX_ENCRYPTION_KEY is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: KEYMUX_MAX_RETRY_ATTEMPTS must be at least 1")
	}
	if c.BudgetMode != "hard" && c.BudgetMode != "soft" {
		return fmt.Errorf("config: KEYMUX_BUDGET_MODE must be hard or soft")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: KEYMUX_SHUTDOWN_TIMEOUT_SECS must be positive")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSecs(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return def
}
