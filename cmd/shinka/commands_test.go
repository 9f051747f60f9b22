package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/shinka/driver/sqlite"
)

var migrationFiles = map[string]string{ //nolint:gochecknoglobals
	"20240101_create_t.sql":   "CREATE TABLE t (id INTEGER NOT NULL);\n",
	"20240102_rename_id.sql":  "-- +migrate rename-column-if-present t id tid\n",
	"20240102_rollback.sql":   "-- +migrate rename-column-if-present t tid id\n",
	"20240103_index_tid.sql":  "-- +migrate create-index-if-absent idx_t_tid t tid\n",
	"20240103_rollback.sql":   "-- +migrate drop-index-if-present idx_t_tid t\n",
	"expectations.yaml":       "tables: [t]\nindexes:\n  - idx_t_*\n",
	"broken_expectation.yaml": "tables: [t, users]\n",
}

type workspace struct {
	dir string
	dsn string
}

func newWorkspace(t *testing.T, files map[string]string) workspace {
	t.Helper()

	root := t.TempDir()
	dir := filepath.Join(root, "migrations")
	require.NoError(t, os.Mkdir(dir, 0o755))

	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}

	return workspace{dir: dir, dsn: filepath.Join(root, "test.db")}
}

func (w workspace) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	full := append([]string{}, args...)
	if len(args) > 0 {
		full = append(full[:1:1], append([]string{
			"--driver", "sqlite",
			"--dsn", w.dsn,
			"--dir", w.dir,
			"--ext", ".sql",
			"--log-level", "error",
		}, args[1:]...)...)
	}

	code := run(context.Background(), full, &stdout, &stderr)

	return code, stdout.String(), stderr.String()
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t, migrationFiles)

	code, out, errOut := w.run(t, "up", "--to", "20240102")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "applied 20240101\napplied 20240102\n", out)

	code, out, errOut = w.run(t, "status")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "20240103")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "schema version: 20240102")
	assert.Contains(t, out, "applied: 2, pending: 1, failed: 0, applying: 0, missing: 0")

	metrics := filepath.Join(t.TempDir(), "shinka.prom")
	code, out, errOut = w.run(t, "up", "--metrics-file", metrics)
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "applied 20240103\n", out)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), "shinka_schema_version ")
	assert.Contains(t, string(data), `shinka_units_total{operation="apply",status="success"} 1`)

	code, out, errOut = w.run(t, "verify")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "no schema expectations configured, nothing was checked\n", out)

	code, out, errOut = w.run(t, "verify", "--expectations", filepath.Join(w.dir, "expectations.yaml"))
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "schema meets all expectations")

	code, out, _ = w.run(t, "verify", "--expectations", filepath.Join(w.dir, "broken_expectation.yaml"))
	assert.Equal(t, exitIntegrity, code)
	assert.Contains(t, out, "users")

	code, out, errOut = w.run(t, "down", "--to", "20240101")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "reverted 20240103\nreverted 20240102\n", out)

	code, out, errOut = w.run(t, "up")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "applied 20240102\napplied 20240103\n", out)

	code, out, errOut = w.run(t, "up")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "schema is up to date\n", out)
}

func TestRunExitCodes(t *testing.T) {
	t.Parallel()

	applyAndEdit := func(name, content string) func(t *testing.T, w workspace) {
		return func(t *testing.T, w workspace) {
			t.Helper()

			code, _, errOut := w.run(t, "up")
			require.Equal(t, exitOK, code, errOut)
			require.NoError(t, os.WriteFile(filepath.Join(w.dir, name), []byte(content), 0o600))
		}
	}

	tests := []struct {
		name         string
		files        map[string]string
		prepare      func(t *testing.T, w workspace)
		args         []string
		expectedCode int
	}{
		/* e0 */ {
			name:         "test e0: unknown command",
			args:         []string{"sideways"},
			expectedCode: exitSetup,
		},
		/* e1 */ {
			name:         "test e1: down without target",
			files:        migrationFiles,
			args:         []string{"down"},
			expectedCode: exitSetup,
		},
		/* e2 */ {
			name:         "test e2: malformed target version",
			files:        migrationFiles,
			args:         []string{"up", "--to", "yesterday"},
			expectedCode: exitSetup,
		},
		/* e3 */ {
			name:         "test e3: malformed script name",
			files:        map[string]string{"2024_create_t.sql": "CREATE TABLE t (id INTEGER);"},
			args:         []string{"up"},
			expectedCode: exitLoad,
		},
		/* e4 */ {
			name: "test e4: dependency cycle",
			files: map[string]string{
				"20240101_base.sql": "CREATE TABLE base (id INTEGER);",
				"20240102_a.sql":    "-- +migrate depends-on 20240103\nCREATE TABLE a (id INTEGER);",
				"20240103_b.sql":    "-- +migrate depends-on 20240102\nCREATE TABLE b (id INTEGER);",
			},
			args:         []string{"up"},
			expectedCode: exitLoad,
		},
		/* e5 */ {
			name:         "test e5: failing statement",
			files:        map[string]string{"20240101_broken.sql": "CREATE TABLE t (id INTEGER);\nINSERT INTO nowhere VALUES (1);"},
			args:         []string{"up"},
			expectedCode: exitExecution,
		},
		/* e6 */ {
			name:         "test e6: missing rollback script",
			files:        migrationFiles,
			args:         []string{"down", "--to", "00000000"},
			expectedCode: exitLoad,
		},
		/* e7 */ {
			name:         "test e7: invalid log format",
			files:        migrationFiles,
			args:         []string{"status", "--log-format", "xml"},
			expectedCode: exitSetup,
		},
		/* e8 */ {
			name:         "test e8: unsupported driver",
			files:        migrationFiles,
			args:         []string{"status", "--driver", "oracle"},
			expectedCode: exitSetup,
		},
		/* e9 */ {
			name:         "test e9: applied script changed",
			files:        migrationFiles,
			prepare:      applyAndEdit("20240101_create_t.sql", "CREATE TABLE t (id BIGINT NOT NULL);\n"),
			args:         []string{"up"},
			expectedCode: exitLoad,
		},
		/* e10 */ {
			name: "test e10: duplicate version",
			files: map[string]string{
				"20240101_a.sql": "CREATE TABLE a (id INTEGER);",
				"20240101_b.sql": "CREATE TABLE b (id INTEGER);",
			},
			args:         []string{"up"},
			expectedCode: exitLoad,
		},
		/* e11 */ {
			name:         "test e11: rollback script changed",
			files:        migrationFiles,
			prepare:      applyAndEdit("20240103_rollback.sql", "DROP TABLE t;\n"),
			args:         []string{"down", "--to", "20240102"},
			expectedCode: exitLoad,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			w := newWorkspace(t, test.files)

			switch {
			case test.prepare != nil:
				test.prepare(t, w)
			case test.args[0] == "down":
				code, _, errOut := w.run(t, "up")
				require.Equal(t, exitOK, code, errOut)
			}

			code, _, _ := w.run(t, test.args...)
			assert.Equal(t, test.expectedCode, code)
		})
	}
}

func TestRunLockTimeoutAndUnlock(t *testing.T) {
	t.Parallel()

	w := newWorkspace(t, migrationFiles)

	holder, err := sqlite.Open(w.dsn)
	require.NoError(t, err)
	defer holder.Close()

	_, err = sqlite.NewDriver().Lock(context.Background(), holder, "shinka", time.Second)
	require.NoError(t, err)

	code, _, _ := w.run(t, "up", "--lock-timeout", "100ms")
	assert.Equal(t, exitLockTimeout, code)

	code, out, errOut := w.run(t, "unlock")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "lock released\n", out)

	code, _, errOut = w.run(t, "up", "--lock-timeout", "100ms")
	assert.Equal(t, exitOK, code, errOut)
}

func TestRunHelp(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	assert.Equal(t, exitOK, run(context.Background(), []string{"help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "shinka <command> [options]")

	assert.Equal(t, exitSetup, run(context.Background(), nil, &stdout, &stderr))
}
