package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Dialect)
	assert.Equal(t, 10, cfg.Retention.ShortTermDays)
}

func TestLoadParsesYAMLAndEnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  dialect: postgres\n  dsn: postgres://x\n"), 0o644))

	t.Setenv("STATSD_DB_DSN", "postgres://override")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Dialect)
	assert.Equal(t, "postgres://override", cfg.Database.DSN)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statsd.yaml")
	cfg := Default()
	cfg.Admin.Username = "root"
	require.NoError(t, Save(cfg, path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "root", reloaded.Admin.Username)
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "hunter2"))
	assert.False(t, VerifyPassword(hash, "wrong"))
}

func TestResolveDialectRejectsUnknown(t *testing.T) {
	_, err := DatabaseConfig{Dialect: "oracle"}.ResolveDialect()
	assert.Error(t, err)
}
