//nolint:gochecknoglobals
package mysql_test

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/root-talis/shinka/driver/mysql"
	"github.com/root-talis/shinka/internal/drivertest"
)

// RDBMS versions to test against. RENAME COLUMN needs MySQL 8.0 or
// MariaDB 10.5.
var versions = []string{
	"mysql:8.0",

	"mariadb:10.11",
	"mariadb:10.6",
	"mariadb:10.5",
}

const testDatabase = "testDatabase"

func TestDialect(t *testing.T) {
	t.Parallel()

	drv := mysql.NewDriver(mysql.DriverConfig{})

	tests := []struct {
		name     string
		actual   string
		expected string
	}{
		/* s0 */ {
			name:   "test s0: upsert uses ON DUPLICATE KEY UPDATE",
			actual: drv.Upsert("db_metadata", []string{"key", "value", "updated_at"}, []string{"key"}),
			expected: "INSERT INTO `db_metadata` (`key`, `value`, `updated_at`) VALUES (?, ?, ?) " +
				"ON DUPLICATE KEY UPDATE `value` = VALUES(`value`), `updated_at` = VALUES(`updated_at`)",
		},
		/* s1 */ {
			name:     "test s1: drop index names the table",
			actual:   drv.DropIndex("idx_events_room", "events"),
			expected: "DROP INDEX `idx_events_room` ON `events`",
		},
		/* s2 */ {
			name:     "test s2: rename table",
			actual:   drv.RenameTable("events_old", "events_archive"),
			expected: "RENAME TABLE `events_old` TO `events_archive`",
		},
		/* s3 */ {
			name:   "test s3: merge update joins the source",
			actual: drv.MergeUpdate("src", "dst", []string{"id"}, []string{"name"}, "ts"),
			expected: "UPDATE `dst` AS d JOIN `src` AS s ON d.`id` = s.`id` SET d.`name` = s.`name` " +
				"WHERE s.`ts` > d.`ts` AND NOT EXISTS (SELECT 1 FROM `src` AS s2 WHERE s2.`id` = s.`id` AND s2.`ts` > s.`ts`)",
		},
		/* s4 */ {
			name:     "test s4: placeholders are question marks",
			actual:   drv.Placeholder(2),
			expected: "?",
		},
		/* s5 */ {
			name:     "test s5: quoting escapes backticks",
			actual:   drv.QuoteIdent("we`ird"),
			expected: "`we``ird`",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, test.actual)
		})
	}

	assert.False(t, drv.TransactionalDDL())
	assert.True(t, strings.HasSuffix(drv.CreateLedgerTable("schema_migrations"), "DEFAULT CHARSET utf8mb4"))
	assert.True(t, strings.HasSuffix(drv.CreateMetadataTable("db_metadata"), "DEFAULT CHARSET utf8mb4"))
}

func TestDriver(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping integration test for driver/mysql")
	}

	runForAllMysqlVersions(t, "Driver", func(t *testing.T, version string, conn *sql.DB) {
		t.Helper()

		drivertest.Run(t, conn, mysql.NewDriver(mysql.DriverConfig{DatabaseName: testDatabase}))
	})
}

//
// --- utility stuff ---------------------
//

func runForAllMysqlVersions(t *testing.T, baseName string, test func(t *testing.T, version string, conn *sql.DB)) {
	t.Helper()

	for _, version := range versions {
		version := version
		testName := fmt.Sprintf("%s@%s", baseName, version)
		t.Run(testName, func(t *testing.T) {
			t.Parallel()

			rootPassword := randomPassword()
			t.Logf("%s - root password: %s", testName, rootPassword)

			ctx, mysqlC := makeTestContainer(t, version, rootPassword)
			defer func() {
				err := mysqlC.Terminate(ctx)
				if err != nil {
					t.Fatalf("failed to terminate test container: %s", err)
				}
			}()

			admin := connect(ctx, t, mysqlC, rootPassword, "mysql")
			_, err := admin.Exec("CREATE DATABASE " + testDatabase)
			require.NoError(t, err)
			require.NoError(t, admin.Close())

			conn := connect(ctx, t, mysqlC, rootPassword, testDatabase)
			defer func() {
				err := conn.Close()
				if err != nil {
					t.Fatalf("failed to close connection to test database: %s", err)
				}
			}()

			test(t, version, conn)
		})
	}
}

func makeTestContainer(t *testing.T, version string, rootPassword string) (context.Context, testcontainers.Container) {
	t.Helper()

	var env map[string]string

	if strings.HasPrefix(version, "mariadb") {
		env = map[string]string{
			"MARIADB_ROOT_PASSWORD": rootPassword,
		}
	} else {
		env = map[string]string{
			"MYSQL_ROOT_PASSWORD": rootPassword,
		}
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        version,
		ExposedPorts: []string{"3306/tcp"},
		WaitingFor:   wait.ForListeningPort("3306"),
		Env:          env,
		Cmd: []string{
			"--table_definition_cache=10",
			"--performance_schema=0",
		},
	}

	mysqlC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatal(err)
	}

	return ctx, mysqlC
}

func connect(ctx context.Context, t *testing.T, mysqlC testcontainers.Container, rootPassword, database string) *sql.DB {
	t.Helper()

	endpoint, err := mysqlC.Endpoint(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	conn, err := mysql.Open(fmt.Sprintf("root:%s@tcp(%s)/%s?multiStatements=true", rootPassword, endpoint, database))
	if err != nil {
		t.Fatal(err)
	}

	// the server may restart once after its first start
	require.Eventually(t, func() bool {
		return conn.PingContext(ctx) == nil
	}, time.Minute, 500*time.Millisecond)

	return conn
}

func randomPassword() string {
	const length = 8
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("failed to generate a random password: %w", err))
	}
	return fmt.Sprintf("%x", b)[:length]
}
