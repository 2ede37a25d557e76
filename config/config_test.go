package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PAYFLOW_DB_URL", "postgres://localhost/payflow")
	t.Setenv("PAYFLOW_BLOB_ROOT", "/var/lib/payflow/blobs")
	t.Setenv("PAYFLOW_JWT_SECRET", "secret")
	t.Setenv("PAYFLOW_JWT_ISSUER", "payflow")
	t.Setenv("PAYFLOW_JWT_AUDIENCE", "payflow-api")
	t.Setenv("PAYFLOW_CONFIG", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.Auth.TokenTTL != 8*time.Hour {
		t.Fatalf("expected default token ttl, got %s", cfg.Auth.TokenTTL)
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Fatalf("expected default rate limit, got %v", cfg.RateLimitPerMinute)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYFLOW_DB_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("missing database URL must fail")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "payflow.toml")
	content := `
env = "staging"
port = "9090"
rate_limit_per_minute = 30.0

[log]
file = "/var/log/payflow.log"
max_size_mb = 10
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAYFLOW_CONFIG", path)
	t.Setenv("PAYFLOW_PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "staging" {
		t.Fatalf("expected env from file, got %q", cfg.Env)
	}
	if cfg.Port != "7070" {
		t.Fatalf("env must override file, got %q", cfg.Port)
	}
	if cfg.RateLimitPerMinute != 30 {
		t.Fatalf("expected rate limit from file, got %v", cfg.RateLimitPerMinute)
	}
	if cfg.Log.File != "/var/log/payflow.log" || cfg.Log.MaxSizeMB != 10 {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
}

func TestPortNormalization(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYFLOW_PORT", ":8443")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8443" {
		t.Fatalf("expected leading colon stripped, got %q", cfg.Port)
	}
}
