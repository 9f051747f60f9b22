package config_test

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/shinka/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.Config{
		Driver:           "postgres",
		Dir:              "migrations",
		Ext:              ".sql",
		LedgerTable:      "schema_migrations",
		MetadataTable:    "db_metadata",
		LockName:         "shinka",
		LockTimeout:      30 * time.Second,
		StatementTimeout: 5 * time.Minute,
		RetryFailed:      true,
		LogLevel:         "info",
		LogFormat:        "text",
	}, cfg)

	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig) // no dsn
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SHINKA_DRIVER", "sqlite")
	t.Setenv("SHINKA_DSN", "file:test.db")
	t.Setenv("SHINKA_LOCK_TIMEOUT", "2s")
	t.Setenv("SHINKA_RETRY_FAILED", "false")
	t.Setenv("SHINKA_LOG_LEVEL", "debug")
	t.Setenv("SHINKA_LOG_FORMAT", "json")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "file:test.db", cfg.DSN)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.False(t, cfg.RetryFailed)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	var buf bytes.Buffer
	cfg.Logger(&buf).Debug("hello", "key", "value")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("SHINKA_LOCK_TIMEOUT", "soon")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := config.Config{
		Driver:           "mysql",
		DSN:              "root@tcp(localhost)/db",
		Dir:              "migrations",
		LockTimeout:      time.Second,
		StatementTimeout: time.Second,
		LogLevel:         "warn",
		LogFormat:        "text",
	}
	require.NoError(t, valid.Validate())

	invalid := valid
	invalid.Driver = "oracle"
	invalid.LogFormat = "xml"
	invalid.LockTimeout = 0

	err := invalid.Validate()
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "oracle")
	assert.Contains(t, err.Error(), "xml")
	assert.Contains(t, err.Error(), "lock timeout")
}
