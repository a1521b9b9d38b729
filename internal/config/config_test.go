package config

import (
	"os"
	"testing"
	"time"
)

func TestConfigLoad_Defaults(t *testing.T) {
	for _, k := range []string{"VITALSYNC_DB_DRIVER", "VITALSYNC_POSTGRES_DSN", "VITALSYNC_OUTBOX_MAX_ATTEMPTS", "VITALSYNC_DEBOUNCE"} {
		_ = os.Unsetenv(k)
	}

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.OutboxMaxAttempts != 8 || cfg.Debounce != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.RequireNonDateField {
		t.Fatalf("expected RequireNonDateField default true")
	}
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	t.Setenv("VITALSYNC_OUTBOX_BASE_BACKOFF", "250ms")
	t.Setenv("VITALSYNC_REQUIRE_NON_DATE_FIELD", "false")

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.OutboxBaseBackoff != 250*time.Millisecond {
		t.Fatalf("base backoff override failed, got %s", cfg.OutboxBaseBackoff)
	}
	if cfg.RequireNonDateField {
		t.Fatalf("require non-date field override failed")
	}
}

func TestResolveDefaults(t *testing.T) {
	cfg := NewForTesting()
	cfg.DBDriver = "auto"
	cfg.PostgresDSN = "postgres://x"
	if err := cfg.ResolveDefaults(); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("expected postgres when DSN present, got %s", cfg.DBDriver)
	}

	cfg = NewForTesting()
	cfg.DBDriver = "postgres"
	if err := cfg.ResolveDefaults(); err == nil {
		t.Fatalf("expected error for postgres without DSN")
	}

	cfg = NewForTesting()
	cfg.DBDriver = "spanner"
	if err := cfg.ResolveDefaults(); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
