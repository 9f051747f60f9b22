package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"

	"github.com/root-talis/shinka"
	"github.com/root-talis/shinka/config"
	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/driver/mysql"
	"github.com/root-talis/shinka/driver/postgres"
	"github.com/root-talis/shinka/driver/sqlite"
	"github.com/root-talis/shinka/migration"
	"github.com/root-talis/shinka/source/files"
	"github.com/root-talis/shinka/telemetry"
	"github.com/root-talis/shinka/verify"
)

type command struct {
	summary string
	flags   func(fs *flag.FlagSet) func(ctx context.Context, app *app) error
}

var commands = map[string]command{ //nolint:gochecknoglobals
	"up":     {summary: "Apply pending migrations", flags: upCommand},
	"down":   {summary: "Revert applied migrations down to a version", flags: downCommand},
	"status": {summary: "Show applied, pending, failed and missing migrations", flags: statusCommand},
	"verify": {summary: "Check the schema against the expectations file", flags: verifyCommand},
	"unlock": {summary: "Release a migration lock left by a run that died", flags: unlockCommand},
}

func usage(w io.Writer) {
	fmt.Fprint(w, `shinka - database schema migrations

Usage:
  shinka <command> [options]

Commands:
  up       Apply pending migrations (--to VERSION stops at VERSION)
  down     Revert applied migrations above --to VERSION
  status   Show applied, pending, failed and missing migrations
  verify   Check the schema against the expectations file
  unlock   Release a migration lock left by a run that died

Every option can also be set through a SHINKA_* environment variable.
Run 'shinka <command> -h' for command-specific help.
`)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitSetup
	}

	name := args[0]
	if name == "-h" || name == "--help" || name == "help" {
		usage(stdout)
		return exitOK
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", name)
		usage(stderr)
		return exitSetup
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitSetup
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	bindConfig(fs, &cfg)
	action := cmd.flags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: shinka %s [options]\n\n%s.\n\nOptions:\n", name, cmd.summary)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitSetup
	}

	err = execute(ctx, cfg, stdout, stderr, action)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}

	return exitCode(err)
}

func bindConfig(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "Database driver: postgres, mysql or sqlite")
	fs.StringVar(&cfg.DSN, "dsn", cfg.DSN, "Database connection string")
	fs.StringVar(&cfg.Dir, "dir", cfg.Dir, "Directory with migration scripts")
	fs.StringVar(&cfg.Ext, "ext", cfg.Ext, "Extension of migration scripts")
	fs.StringVar(&cfg.LedgerTable, "ledger-table", cfg.LedgerTable, "Name of the ledger table")
	fs.StringVar(&cfg.MetadataTable, "metadata-table", cfg.MetadataTable, "Name of the metadata table")
	fs.StringVar(&cfg.LockName, "lock-name", cfg.LockName, "Name of the migration lock")
	fs.DurationVar(&cfg.LockTimeout, "lock-timeout", cfg.LockTimeout, "How long to wait for the migration lock")
	fs.DurationVar(&cfg.StatementTimeout, "statement-timeout", cfg.StatementTimeout, "Run time limit of a single statement")
	fs.BoolVar(&cfg.RetryFailed, "retry-failed", cfg.RetryFailed, "Retry migrations whose last attempt failed")
	fs.StringVar(&cfg.Expectations, "expectations", cfg.Expectations, "YAML file with schema expectations")
	fs.StringVar(&cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "Write run metrics to this file in textfile collector format")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text or json")
}

// ---

type app struct {
	engine *shinka.Engine
	stdout io.Writer
}

func execute(
	ctx context.Context, cfg config.Config, stdout, stderr io.Writer, action func(context.Context, *app) error,
) (err error) {
	if err := cfg.Validate(); err != nil {
		return setup(err)
	}

	logger := cfg.Logger(stderr)

	db, drv, err := open(ctx, cfg)
	if err != nil {
		return setup(err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("failed to close database", "error", closeErr)
		}
	}()

	src, err := files.NewFilesSource(os.DirFS(cfg.Dir), ".", files.WithExtension(cfg.Ext))
	if err != nil {
		return setup(fmt.Errorf("failed to open migrations directory %s: %w", cfg.Dir, err))
	}

	var expectations verify.Expectations
	if cfg.Expectations != "" {
		if expectations, err = verify.LoadExpectations(cfg.Expectations); err != nil {
			return setup(err)
		}
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsFile != "" {
		metrics = telemetry.NewMetrics(telemetry.DefaultNamespace)
		defer func() {
			if writeErr := metrics.WriteToTextfile(cfg.MetricsFile); writeErr != nil {
				logger.Error("failed to write metrics", "error", writeErr)
			}
		}()
	}

	engine := shinka.New(src, db, drv,
		shinka.WithLogger(logger),
		shinka.WithLedgerTables(cfg.LedgerTable, cfg.MetadataTable),
		shinka.WithLock(cfg.LockName, cfg.LockTimeout),
		shinka.WithStatementTimeout(cfg.StatementTimeout),
		shinka.WithRetryFailed(cfg.RetryFailed),
		shinka.WithExpectations(expectations),
		shinka.WithMetrics(metrics),
	)

	return action(ctx, &app{engine: engine, stdout: stdout})
}

func open(ctx context.Context, cfg config.Config) (*sql.DB, driver.Driver, error) {
	var (
		db  *sql.DB
		drv driver.Driver
		err error
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		db, err = postgres.Open(cfg.DSN)
		drv = postgres.NewDriver()
	case config.DriverMySQL:
		db, err = mysql.Open(cfg.DSN)
		drv = mysql.NewDriver(mysql.DriverConfig{})
	case config.DriverSQLite:
		db, err = sqlite.Open(cfg.DSN)
		drv = sqlite.NewDriver()
	default:
		return nil, nil, fmt.Errorf("%w: %s", driver.ErrUnsupportedDriver, cfg.Driver)
	}

	if err != nil {
		return nil, nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	return db, drv, nil
}

func parseTarget(s string) (migration.Version, error) {
	if s == "" {
		return "", nil
	}

	v, err := migration.ParseVersion(s)
	if err != nil {
		return "", setup(err)
	}
	return v, nil
}

// ---

func upCommand(fs *flag.FlagSet) func(ctx context.Context, app *app) error {
	to := fs.String("to", "", "Stop after this version (default: latest)")

	return func(ctx context.Context, app *app) error {
		target, err := parseTarget(*to)
		if err != nil {
			return err
		}

		applied, err := app.engine.Upgrade(ctx, target)
		for _, v := range applied {
			fmt.Fprintf(app.stdout, "applied %s\n", v)
		}
		if err != nil {
			return err
		}

		if len(applied) == 0 {
			fmt.Fprintln(app.stdout, "schema is up to date")
		}
		return nil
	}
}

func downCommand(fs *flag.FlagSet) func(ctx context.Context, app *app) error {
	to := fs.String("to", "", "Revert every migration above this version (required)")

	return func(ctx context.Context, app *app) error {
		if *to == "" {
			return setup(errors.New("down requires --to VERSION"))
		}

		target, err := parseTarget(*to)
		if err != nil {
			return err
		}

		reverted, err := app.engine.Downgrade(ctx, target)
		for _, v := range reverted {
			fmt.Fprintf(app.stdout, "reverted %s\n", v)
		}
		if err != nil {
			return err
		}

		if len(reverted) == 0 {
			fmt.Fprintln(app.stdout, "nothing to revert")
		}
		return nil
	}
}

func statusCommand(*flag.FlagSet) func(ctx context.Context, app *app) error {
	return func(ctx context.Context, app *app) error {
		report, err := app.engine.Status(ctx)
		if err != nil {
			return err
		}

		writeStatus(app.stdout, report)
		return nil
	}
}

func writeStatus(w io.Writer, report *shinka.StatusReport) {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true

	table.AddRow("VERSION", "DESCRIPTION", "STATUS", "APPLIED", "UNDO", "ERROR")
	for _, m := range report.Migrations {
		applied := ""
		if !m.AppliedAt.IsZero() {
			applied = humanize.Time(m.AppliedAt)
		}

		undo := "no"
		if m.CanUndo {
			undo = "yes"
		}

		table.AddRow(m.Version, m.Description.Description, m.Status, applied, undo, m.Error)
	}

	fmt.Fprintln(w, table)

	version := report.SchemaVersion
	if version == "" {
		version = "none"
	}

	fmt.Fprintf(w, "\nschema version: %s\napplied: %d, pending: %d, failed: %d, applying: %d, missing: %d\n",
		version, report.AppliedCount, report.PendingCount, report.FailedCount, report.ApplyingCount, report.MissingCount)
}

func verifyCommand(*flag.FlagSet) func(ctx context.Context, app *app) error {
	return func(ctx context.Context, app *app) error {
		report, err := app.engine.Verify(ctx)
		if err != nil {
			return err
		}

		if report.Skipped {
			fmt.Fprintln(app.stdout, "no schema expectations configured, nothing was checked")
			return nil
		}

		for _, finding := range report.Findings {
			fmt.Fprintln(app.stdout, finding.String())
		}

		if err := report.Err(); err != nil {
			return err
		}

		fmt.Fprintln(app.stdout, "schema meets all expectations")
		return nil
	}
}

func unlockCommand(*flag.FlagSet) func(ctx context.Context, app *app) error {
	return func(ctx context.Context, app *app) error {
		if err := app.engine.Unlock(ctx); err != nil {
			return err
		}

		fmt.Fprintln(app.stdout, "lock released")
		return nil
	}
}
