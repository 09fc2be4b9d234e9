package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.Guard.MaxAttempts != 5 || cfg.Guard.LockoutMinutes != 15 {
		t.Fatalf("guard defaults = %+v", cfg.Guard)
	}
	if cfg.Audit.MaxLogs != 1000 || cfg.Audit.MaxPersisted != 100 {
		t.Fatalf("audit defaults = %+v", cfg.Audit)
	}
	if cfg.Store.Backend != "file" {
		t.Fatalf("store default backend = %q", cfg.Store.Backend)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.toml")
	doc := `
[guard]
max_attempts = 3
lockout_minutes = 30

[store]
backend = "memory"

[session]
secret = "from-file"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STAFFLOW_SESSION_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Guard.MaxAttempts != 3 || cfg.Guard.LockoutMinutes != 30 {
		t.Fatalf("file values not applied: %+v", cfg.Guard)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("backend = %q", cfg.Store.Backend)
	}
	// Environment wins over the file.
	if cfg.Session.Secret != "from-env" {
		t.Fatalf("secret = %q", cfg.Session.Secret)
	}
	// Untouched sections keep defaults.
	if cfg.Session.IdleTimeoutMinutes != 60 {
		t.Fatalf("idle timeout default lost: %d", cfg.Session.IdleTimeoutMinutes)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.Guard.MaxAttempts = 0 }},
		{"persisted above logs", func(c *Config) { c.Audit.MaxPersisted = c.Audit.MaxLogs }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }},
		{"redis without addr", func(c *Config) { c.Store.Backend = "redis" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted invalid config")
			}
		})
	}
}
