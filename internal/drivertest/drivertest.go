// Package drivertest runs the same checks against every store driver: the
// ledger statements, the catalog queries behind guarded operations, and the
// migration lock.
package drivertest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/shinka/apply"
	"github.com/root-talis/shinka/driver"
	"github.com/root-talis/shinka/ledger"
	"github.com/root-talis/shinka/migration"
)

// Run exercises drv on db. db must point at a database the test may freely
// create and drop tables in.
func Run(t *testing.T, db *sql.DB, drv driver.Driver) {
	t.Helper()

	cleanup(t, db, drv)
	t.Cleanup(func() { cleanup(t, db, drv) })

	t.Run("ledger", func(t *testing.T) { testLedger(t, db, drv) })
	t.Run("guarded operations", func(t *testing.T) { testGuardedOperations(t, db, drv) })
	t.Run("lock", func(t *testing.T) { testLock(t, db, drv) })
}

func cleanup(t *testing.T, db *sql.DB, drv driver.Driver) {
	t.Helper()

	ctx := context.Background()
	for _, table := range []string{
		"dt_events", "dt_events_old", "dt_events_archive", "dt_rooms",
		ledger.DefaultTable, ledger.DefaultMetadataTable,
	} {
		_, err := apply.DropTableIfPresent(ctx, db, drv, table)
		require.NoError(t, err)
	}
}

func testLedger(t *testing.T, db *sql.DB, drv driver.Driver) {
	t.Helper()

	ctx := context.Background()
	l := ledger.New(db, drv)

	require.NoError(t, l.Init(ctx))
	require.NoError(t, l.Init(ctx))

	const version = migration.Version("20240101")

	require.NoError(t, l.RecordStart(ctx, version, "create rooms", "abc"))

	entry, found, err := l.Entry(ctx, version)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, migration.Applying, entry.Status())

	require.NoError(t, l.RecordResult(ctx, version, migration.ApplyResult{ErrorMessage: "syntax error"}))

	entry, _, err = l.Entry(ctx, version)
	require.NoError(t, err)
	assert.Equal(t, migration.Failed, entry.Status())
	assert.Equal(t, "syntax error", entry.ErrorMessage)

	// a retry starts over
	require.NoError(t, l.RecordStart(ctx, version, "create rooms", "abc"))
	require.NoError(t, l.RecordResult(ctx, version, migration.ApplyResult{Success: true, Duration: 1500 * time.Millisecond}))

	applied, err := l.ListApplied(ctx)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "abc", applied[0].Checksum)
	assert.Equal(t, 1500*time.Millisecond, applied[0].Duration)
	assert.Empty(t, applied[0].ErrorMessage)

	err = l.RecordResult(ctx, "20240102", migration.ApplyResult{Success: true})
	require.ErrorIs(t, err, migration.ErrNoStartRecord)

	schemaVersion, err := l.RefreshSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, schemaVersion)

	require.NoError(t, l.SetMetadata(ctx, "server_name", "a.example"))
	require.NoError(t, l.SetMetadata(ctx, "server_name", "b.example"))

	value, found, err := l.Metadata(ctx, "server_name")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "b.example", value)

	require.NoError(t, l.Delete(ctx, version))

	schemaVersion, err = l.RefreshSchemaVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, schemaVersion)
}

func testGuardedOperations(t *testing.T, db *sql.DB, drv driver.Driver) {
	t.Helper()

	ctx := context.Background()

	exec(t, db,
		"CREATE TABLE dt_rooms (room_id VARCHAR(64) NOT NULL PRIMARY KEY, creator VARCHAR(64))",
		"CREATE TABLE dt_events (event_id VARCHAR(64) NOT NULL PRIMARY KEY, room_id VARCHAR(64), "+
			"sender VARCHAR(64), ts BIGINT, "+
			"CONSTRAINT fk_dt_events_room FOREIGN KEY (room_id) REFERENCES dt_rooms (room_id))",
		"CREATE TABLE dt_events_old (event_id VARCHAR(64), room_id VARCHAR(64), sender_id VARCHAR(64), ts BIGINT)",
		"INSERT INTO dt_rooms (room_id, creator) VALUES ('!r:hs', '@a:hs')",
		"INSERT INTO dt_events (event_id, room_id, sender, ts) VALUES ('$1', '!r:hs', '@a:hs', 10)",
		"INSERT INTO dt_events_old (event_id, room_id, sender_id, ts) VALUES "+
			"('$1', '!r:hs', '@b:hs', 20), ('$1', '!r:hs', '@c:hs', 15), "+
			"('$2', '!r:hs', '@d:hs', 5), ('$2', '!r:hs', '@e:hs', 7)",
	)

	tables, err := drv.Tables(ctx, db)
	require.NoError(t, err)
	assert.Subset(t, tables, []string{"dt_events", "dt_events_old", "dt_rooms"})

	foreignKeys, err := drv.ForeignKeys(ctx, db)
	require.NoError(t, err)
	assert.Contains(t, foreignKeys, driver.ForeignKey{Name: "fk_dt_events_room", Table: "dt_events"})

	twice(t, func() (bool, error) {
		return apply.RenameColumnIfPresent(ctx, db, drv, "dt_events", "sender", "sender_id")
	})
	twice(t, func() (bool, error) {
		return apply.AddColumnIfAbsent(ctx, db, drv, "dt_events", "origin", "VARCHAR(64) NULL")
	})

	columns, err := drv.Columns(ctx, db, "dt_events")
	require.NoError(t, err)
	assert.Equal(t, []string{"event_id", "room_id", "sender_id", "ts", "origin"}, columns)

	twice(t, func() (bool, error) {
		return apply.CreateIndexIfAbsent(ctx, db, drv, "idx_dt_events_sender", "dt_events", []string{"sender_id"}, false)
	})

	indexes, err := drv.Indexes(ctx, db)
	require.NoError(t, err)
	assert.Contains(t, indexes, driver.Index{Name: "idx_dt_events_sender", Table: "dt_events"})

	twice(t, func() (bool, error) {
		return apply.DropIndexIfPresent(ctx, db, drv, "idx_dt_events_sender", "dt_events")
	})

	for i := 0; i < 2; i++ {
		_, err := apply.MergeTable(ctx, db, drv, "dt_events_old", "dt_events", []string{"event_id"}, "ts")
		require.NoError(t, err)

		rows, err := driver.QueryPairs(ctx, db, "SELECT event_id, sender_id FROM dt_events ORDER BY event_id")
		require.NoError(t, err)
		assert.Equal(t, [][2]string{{"$1", "@b:hs"}, {"$2", "@e:hs"}}, rows)
	}

	twice(t, func() (bool, error) {
		return apply.RenameTableIfPresent(ctx, db, drv, "dt_events_old", "dt_events_archive")
	})
	twice(t, func() (bool, error) {
		return apply.DropTableIfPresent(ctx, db, drv, "dt_events_archive")
	})

	// the merge source is gone, so the merge does nothing
	ran, err := apply.MergeTable(ctx, db, drv, "dt_events_old", "dt_events", []string{"event_id"}, "ts")
	require.NoError(t, err)
	assert.False(t, ran)
}

func testLock(t *testing.T, db *sql.DB, drv driver.Driver) {
	t.Helper()

	ctx := context.Background()

	release, err := drv.Lock(ctx, db, "drivertest", 5*time.Second)
	require.NoError(t, err)

	_, err = drv.Lock(ctx, db, "drivertest", time.Second)
	require.ErrorIs(t, err, migration.ErrLockTimeout)

	require.NoError(t, release(ctx))

	release, err = drv.Lock(ctx, db, "drivertest", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

// ---

func exec(t *testing.T, db *sql.DB, statements ...string) {
	t.Helper()

	for _, stmt := range statements {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}

// twice runs a guarded operation two times: the first run must change the
// schema, the second must find nothing to do.
func twice(t *testing.T, op func() (bool, error)) {
	t.Helper()

	ran, err := op()
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = op()
	require.NoError(t, err)
	assert.False(t, ran)
}
