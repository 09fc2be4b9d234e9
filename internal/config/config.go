// Package config loads the security-core configuration from a TOML file
// with environment overrides and built-in defaults.
//
// Resolution order, later wins:
//   - built-in defaults
//   - TOML file (default ~/.stafflow/guard.toml)
//   - STAFFLOW_* environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the complete security-core configuration.
type Config struct {
	Guard   GuardConfig   `toml:"guard"`
	Session SessionConfig `toml:"session"`
	Audit   AuditConfig   `toml:"audit"`
	Store   StoreConfig   `toml:"store"`
	Server  ServerConfig  `toml:"server"`
}

// GuardConfig tunes the login-attempt lockout machine.
type GuardConfig struct {
	MaxAttempts    int `toml:"max_attempts"`
	LockoutMinutes int `toml:"lockout_minutes"`
}

// SessionConfig tunes session lifetime and health classification.
type SessionConfig struct {
	// Secret signs session records. Required; no default.
	Secret             string `toml:"secret"`
	TTLMinutes         int    `toml:"ttl_minutes"`
	IdleTimeoutMinutes int    `toml:"idle_timeout_minutes"`
	WarningLeadMinutes int    `toml:"warning_lead_minutes"`
}

// AuditConfig tunes the bounded audit log.
type AuditConfig struct {
	MaxLogs      int `toml:"max_logs"`
	MaxPersisted int `toml:"max_persisted"`
	// ArchivePath enables the sqlite long-term archive when non-empty.
	ArchivePath string `toml:"archive_path"`
}

// StoreConfig selects the shared store backend.
type StoreConfig struct {
	// Backend is one of memory, file, postgres, redis.
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	PostgresDSN string `toml:"postgres_dsn"`
	RedisAddr   string `toml:"redis_addr"`
}

// ServerConfig tunes the admin/diagnostics daemon.
type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// DefaultPath returns the conventional config location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "guard.toml"
	}
	return filepath.Join(home, ".stafflow", "guard.toml")
}

func defaults() Config {
	return Config{
		Guard: GuardConfig{
			MaxAttempts:    5,
			LockoutMinutes: 15,
		},
		Session: SessionConfig{
			TTLMinutes:         480,
			IdleTimeoutMinutes: 60,
			WarningLeadMinutes: 5,
		},
		Audit: AuditConfig{
			MaxLogs:      1000,
			MaxPersisted: 100,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    defaultStorePath(),
		},
		Server: ServerConfig{
			ListenAddr: ":8087",
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "guard-kv.json"
	}
	return filepath.Join(home, ".stafflow", "guard-kv.json")
}

// Load reads the configuration from path. A missing file is not an error;
// defaults and environment overrides still apply.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STAFFLOW_SESSION_SECRET"); v != "" {
		cfg.Session.Secret = v
	}
	if v := os.Getenv("STAFFLOW_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("STAFFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STAFFLOW_PG_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("STAFFLOW_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("STAFFLOW_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Guard.MaxAttempts <= 0 {
		return errors.New("config: guard.max_attempts must be positive")
	}
	if c.Guard.LockoutMinutes <= 0 {
		return errors.New("config: guard.lockout_minutes must be positive")
	}
	if c.Session.TTLMinutes <= 0 || c.Session.IdleTimeoutMinutes <= 0 {
		return errors.New("config: session lifetimes must be positive")
	}
	if c.Audit.MaxLogs <= 0 {
		return errors.New("config: audit.max_logs must be positive")
	}
	if c.Audit.MaxPersisted <= 0 || c.Audit.MaxPersisted >= c.Audit.MaxLogs {
		return errors.New("config: audit.max_persisted must be positive and below audit.max_logs")
	}
	switch strings.ToLower(c.Store.Backend) {
	case "memory", "file", "postgres", "redis":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if strings.EqualFold(c.Store.Backend, "postgres") && c.Store.PostgresDSN == "" {
		return errors.New("config: postgres backend requires store.postgres_dsn")
	}
	if strings.EqualFold(c.Store.Backend, "redis") && c.Store.RedisAddr == "" {
		return errors.New("config: redis backend requires store.redis_addr")
	}
	return nil
}
