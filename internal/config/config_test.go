package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("DUALCOMMIT_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid DUALCOMMIT_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "DUALCOMMIT_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention DUALCOMMIT_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("DUALCOMMIT_PORT", "abc")
	t.Setenv("DUALCOMMIT_MONITOR_INTERVAL", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "DUALCOMMIT_PORT") {
		t.Fatalf("error should mention DUALCOMMIT_PORT, got: %s", got)
	}
	if !strings.Contains(got, "DUALCOMMIT_MONITOR_INTERVAL") {
		t.Fatalf("error should mention DUALCOMMIT_MONITOR_INTERVAL, got: %s", got)
	}
}

func TestLoadPostgresNeedsDatabaseURL(t *testing.T) {
	t.Setenv("DUALCOMMIT_LEDGER_BACKEND", "postgres")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got: %v", err)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("DUALCOMMIT_LEDGER_BACKEND", "s3")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown backend to fail")
	}
}

func TestLoadRejectsNonPositiveMonitorThreshold(t *testing.T) {
	t.Setenv("DUALCOMMIT_MONITOR_THRESHOLD", "0s")
	if _, err := Load(); err == nil {
		t.Fatal("expected zero threshold to fail")
	}
}

func TestLoadRequiresBothJWTKeys(t *testing.T) {
	t.Setenv("DUALCOMMIT_JWT_PRIVATE_KEY", "/tmp/key.pem")
	if _, err := Load(); err == nil {
		t.Fatal("expected a lone private key to fail")
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.LedgerBackend != LedgerFile {
		t.Fatalf("expected file ledger by default, got %q", cfg.LedgerBackend)
	}
	if cfg.MonitorThreshold != 24*time.Hour {
		t.Fatalf("expected 24h monitor threshold, got %s", cfg.MonitorThreshold)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	if _, err := envFloat("TEST_FLOAT_BAD", 1); err == nil {
		t.Fatal("expected error for non-numeric value")
	}
}
