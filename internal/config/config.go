// Package config loads the engine's YAML configuration file and
// layers environment-variable overrides on top of it, the way
// SPEC_FULL.md's ambient stack calls for. It also owns the single
// admin credential's bcrypt hash, mirroring the teacher's own
// bcrypt.GenerateFromPassword(..., bcrypt.DefaultCost) password
// handling.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"homestats/internal/logging"
	"homestats/internal/storage"
)

// Config is the top-level shape of statsd.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Logging   logging.Config  `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
	Admin     AdminConfig     `yaml:"admin"`
	Device    DeviceConfig    `yaml:"device"`
}

// DeviceConfig points at the jarvis device host the out-of-scope
// internal/device glue proxies (spec.md §1's "two disjoint
// subsystems"). Left blank, the light/lock endpoints are disabled.
type DeviceConfig struct {
	BaseURL string `yaml:"base_url"`
}

type DatabaseConfig struct {
	Dialect string `yaml:"dialect"` // sqlite, postgres, mysql
	DSN     string `yaml:"dsn"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	JWTSecret  string `yaml:"jwt_secret"`
}

// RetentionConfig mirrors spec.md §6 purge_old_data: how many days of
// short-term and long-term rows to keep.
type RetentionConfig struct {
	ShortTermDays int `yaml:"short_term_days"`
	LongTermDays  int `yaml:"long_term_days"`
}

// AdminConfig holds the bcrypt hash of the single admin credential
// used to sign in to the HTTP API. PasswordHash is never populated
// from a plaintext field in YAML; it is only ever written by
// HashPassword via the CLI's set-admin-password subcommand.
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// Default returns the configuration a fresh install starts from.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Dialect: string(storage.SQLite), DSN: "statsd.db"},
		Server:   ServerConfig{ListenAddr: ":8080"},
		Logging:  logging.Config{Level: "info", Format: "console", Output: "stdout"},
		Retention: RetentionConfig{
			ShortTermDays: 10, // spec.md §6: short-term rows purge after 10 days
			LongTermDays:  0,  // 0 means keep forever
		},
		Admin: AdminConfig{Username: "admin"},
	}
}

// Load reads path (if it exists; a missing file is not an error — the
// caller gets Default() with env overrides applied) and then applies
// STATSD_* environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets operators override the handful of fields a
// container deployment typically needs without mounting a new file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("STATSD_DB_DIALECT"); ok {
		cfg.Database.Dialect = v
	}
	if v, ok := os.LookupEnv("STATSD_DB_DSN"); ok {
		cfg.Database.DSN = v
	}
	if v, ok := os.LookupEnv("STATSD_LISTEN_ADDR"); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := os.LookupEnv("STATSD_JWT_SECRET"); ok {
		cfg.Server.JWTSecret = v
	}
	if v, ok := os.LookupEnv("STATSD_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("STATSD_SHORT_TERM_RETENTION_DAYS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.ShortTermDays = n
		}
	}
}

// Save writes cfg back to path as YAML.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %q: %w", path, err)
	}
	return nil
}

// HashPassword bcrypt-hashes a plaintext admin password for storage
// in AdminConfig.PasswordHash.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("config: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a login attempt against the stored hash.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// ResolveDialect resolves the configured dialect string to a storage.Dialect,
// rejecting anything the engine doesn't support.
func (c DatabaseConfig) ResolveDialect() (storage.Dialect, error) {
	switch strings.ToLower(c.Dialect) {
	case string(storage.SQLite):
		return storage.SQLite, nil
	case string(storage.Postgres):
		return storage.Postgres, nil
	case string(storage.MySQL):
		return storage.MySQL, nil
	default:
		return "", fmt.Errorf("config: unsupported database dialect %q", c.Dialect)
	}
}
