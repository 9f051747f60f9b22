// Package config reads engine settings from SHINKA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")

	drivers    = []string{DriverPostgres, DriverMySQL, DriverSQLite} //nolint:gochecknoglobals
	logFormats = []string{"text", "json"}                            //nolint:gochecknoglobals
)

type Config struct {
	Driver string `env:"SHINKA_DRIVER" envDefault:"postgres"`
	DSN    string `env:"SHINKA_DSN"`
	Dir    string `env:"SHINKA_DIR" envDefault:"migrations"`
	Ext    string `env:"SHINKA_EXT" envDefault:".sql"`

	LedgerTable   string `env:"SHINKA_LEDGER_TABLE" envDefault:"schema_migrations"`
	MetadataTable string `env:"SHINKA_METADATA_TABLE" envDefault:"db_metadata"`

	LockName         string        `env:"SHINKA_LOCK_NAME" envDefault:"shinka"`
	LockTimeout      time.Duration `env:"SHINKA_LOCK_TIMEOUT" envDefault:"30s"`
	StatementTimeout time.Duration `env:"SHINKA_STATEMENT_TIMEOUT" envDefault:"5m"`
	RetryFailed      bool          `env:"SHINKA_RETRY_FAILED" envDefault:"true"`

	Expectations string `env:"SHINKA_EXPECTATIONS"`
	MetricsFile  string `env:"SHINKA_METRICS_FILE"`

	LogLevel  string `env:"SHINKA_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SHINKA_LOG_FORMAT" envDefault:"text"`
}

// Load reads the configuration from the environment. The result is not
// validated, so that command line flags can still override it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if !slices.Contains(drivers, c.Driver) {
		errs = append(errs, fmt.Errorf("driver %q is not one of %s", c.Driver, strings.Join(drivers, ", ")))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("dsn is empty"))
	}
	if c.Dir == "" {
		errs = append(errs, errors.New("migrations directory is empty"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lock timeout %s is not positive", c.LockTimeout))
	}
	if c.StatementTimeout <= 0 {
		errs = append(errs, fmt.Errorf("statement timeout %s is not positive", c.StatementTimeout))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if !slices.Contains(logFormats, c.LogFormat) {
		errs = append(errs, fmt.Errorf("log format %q is not one of %s", c.LogFormat, strings.Join(logFormats, ", ")))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}

func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
