// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger backends.
const (
	LedgerFile     = "file"
	LedgerPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Gate storage.
	StateDBPath      string // SQLite state store.
	LedgerBackend    string // "file" or "postgres".
	LedgerDir        string // Commit ledger directory for the file backend.
	DatabaseURL      string // Postgres URL for the postgres backend.
	PolicyPath       string // Empty means the built-in default policy.
	PrecedentPath    string // Local precedent ledger (JSONL).
	ViolationLogPath string

	// Monitor settings.
	MonitorEnabled   bool
	MonitorInterval  time.Duration
	MonitorThreshold time.Duration

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Webhook hook.
	WebhookURL    string
	WebhookSecret string
	HookTimeout   time.Duration

	// Operational settings.
	LogLevel            string
	RateLimitRPS        float64
	RateLimitBurst      int
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                num("DUALCOMMIT_PORT", 8080),
		ReadTimeout:         dur("DUALCOMMIT_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        dur("DUALCOMMIT_WRITE_TIMEOUT", 30*time.Second),
		StateDBPath:         str("DUALCOMMIT_STATE_DB", "data/state.db"),
		LedgerBackend:       strings.ToLower(str("DUALCOMMIT_LEDGER_BACKEND", LedgerFile)),
		LedgerDir:           str("DUALCOMMIT_LEDGER_DIR", "governance/commits"),
		DatabaseURL:         str("DATABASE_URL", ""),
		PolicyPath:          str("DUALCOMMIT_POLICY", ""),
		PrecedentPath:       str("DUALCOMMIT_PRECEDENTS", "governance/precedents.jsonl"),
		ViolationLogPath:    str("DUALCOMMIT_VIOLATION_LOG", "governance/violations.log"),
		MonitorEnabled:      boolean("DUALCOMMIT_MONITOR_ENABLED", true),
		MonitorInterval:     dur("DUALCOMMIT_MONITOR_INTERVAL", 60*time.Second),
		MonitorThreshold:    dur("DUALCOMMIT_MONITOR_THRESHOLD", 24*time.Hour),
		JWTPrivateKeyPath:   str("DUALCOMMIT_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    str("DUALCOMMIT_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       dur("DUALCOMMIT_JWT_EXPIRATION", 24*time.Hour),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         str("OTEL_SERVICE_NAME", "dualcommit"),
		WebhookURL:          str("DUALCOMMIT_WEBHOOK_URL", ""),
		WebhookSecret:       str("DUALCOMMIT_WEBHOOK_SECRET", ""),
		HookTimeout:         dur("DUALCOMMIT_HOOK_TIMEOUT", 10*time.Second),
		LogLevel:            str("DUALCOMMIT_LOG_LEVEL", "info"),
		RateLimitRPS:        flt("DUALCOMMIT_RATE_LIMIT_RPS", 10),
		RateLimitBurst:      num("DUALCOMMIT_RATE_LIMIT_BURST", 20),
		MaxRequestBodyBytes: int64(num("DUALCOMMIT_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	switch c.LedgerBackend {
	case LedgerFile:
		if c.LedgerDir == "" {
			return fmt.Errorf("config: DUALCOMMIT_LEDGER_DIR is required for the file ledger")
		}
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres ledger")
		}
	default:
		return fmt.Errorf("config: DUALCOMMIT_LEDGER_BACKEND must be %q or %q, got %q", LedgerFile, LedgerPostgres, c.LedgerBackend)
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("config: DUALCOMMIT_STATE_DB is required")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("config: DUALCOMMIT_MONITOR_INTERVAL must be positive")
	}
	if c.MonitorThreshold <= 0 {
		return fmt.Errorf("config: DUALCOMMIT_MONITOR_THRESHOLD must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: DUALCOMMIT_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		return fmt.Errorf("config: DUALCOMMIT_JWT_PRIVATE_KEY and DUALCOMMIT_JWT_PUBLIC_KEY must be set together")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
