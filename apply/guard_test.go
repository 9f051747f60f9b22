package apply_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/shinka/apply"
	"github.com/root-talis/shinka/driver/sqlite"
	"github.com/root-talis/shinka/internal/testdb"
	"github.com/root-talis/shinka/migration"
)

const usersTable = "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, deactivated BOOLEAN NOT NULL DEFAULT FALSE)"

var operationTestTable = []struct { // nolint:gochecknoglobals
	name        string
	setup       []string
	op          migration.Operation
	expectRan   bool
	check       string // query whose first column is compared with expected
	expected    []string
	expectError bool
}{
	// -- success cases: ---
	/* s0 */ {
		name:      "test s0: should rename a present column",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.RenameColumnIfPresent, Table: "users", Column: "deactivated", NewName: "is_deactivated"},
		expectRan: true,
		check:     "SELECT name FROM pragma_table_info('users') ORDER BY cid",
		expected:  []string{"id", "name", "is_deactivated"},
	},
	/* s1 */ {
		name:      "test s1: should skip renaming an absent column",
		setup:     []string{"CREATE TABLE users (id INTEGER PRIMARY KEY, is_deactivated BOOLEAN)"},
		op:        migration.Operation{Kind: migration.RenameColumnIfPresent, Table: "users", Column: "deactivated", NewName: "is_deactivated"},
		expectRan: false,
		check:     "SELECT name FROM pragma_table_info('users') ORDER BY cid",
		expected:  []string{"id", "is_deactivated"},
	},
	/* s2 */ {
		name:      "test s2: should add an absent column",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.AddColumnIfAbsent, Table: "users", Column: "shadow_banned", Definition: "BOOLEAN NOT NULL DEFAULT FALSE"},
		expectRan: true,
		check:     "SELECT name FROM pragma_table_info('users') ORDER BY cid",
		expected:  []string{"id", "name", "deactivated", "shadow_banned"},
	},
	/* s3 */ {
		name:      "test s3: should skip adding a present column",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.AddColumnIfAbsent, Table: "users", Column: "name", Definition: "TEXT"},
		expectRan: false,
		check:     "SELECT name FROM pragma_table_info('users') ORDER BY cid",
		expected:  []string{"id", "name", "deactivated"},
	},
	/* s4 */ {
		name:      "test s4: should drop a present column",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.DropColumnIfPresent, Table: "users", Column: "name"},
		expectRan: true,
		check:     "SELECT name FROM pragma_table_info('users') ORDER BY cid",
		expected:  []string{"id", "deactivated"},
	},
	/* s5 */ {
		name:      "test s5: should skip dropping an absent column",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.DropColumnIfPresent, Table: "users", Column: "avatar"},
		expectRan: false,
		check:     "SELECT name FROM pragma_table_info('users') ORDER BY cid",
		expected:  []string{"id", "name", "deactivated"},
	},
	/* s6 */ {
		name:      "test s6: should create an absent index",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.CreateIndexIfAbsent, Index: "idx_users_name", Table: "users", Columns: []string{"name"}, Unique: true},
		expectRan: true,
		check:     "SELECT name FROM sqlite_master WHERE type = 'index' ORDER BY name",
		expected:  []string{"idx_users_name"},
	},
	/* s7 */ {
		name:      "test s7: should skip creating a present index",
		setup:     []string{usersTable, "CREATE INDEX idx_users_name ON users (name)"},
		op:        migration.Operation{Kind: migration.CreateIndexIfAbsent, Index: "idx_users_name", Table: "users", Columns: []string{"id"}},
		expectRan: false,
		check:     "SELECT name FROM sqlite_master WHERE type = 'index' ORDER BY name",
		expected:  []string{"idx_users_name"},
	},
	/* s8 */ {
		name:      "test s8: should drop a present index",
		setup:     []string{usersTable, "CREATE INDEX idx_users_name ON users (name)"},
		op:        migration.Operation{Kind: migration.DropIndexIfPresent, Index: "idx_users_name", Table: "users"},
		expectRan: true,
		check:     "SELECT name FROM sqlite_master WHERE type = 'index' ORDER BY name",
		expected:  []string{},
	},
	/* s9 */ {
		name:      "test s9: should skip dropping an absent index",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.DropIndexIfPresent, Index: "idx_users_name", Table: "users"},
		expectRan: false,
		check:     "SELECT name FROM sqlite_master WHERE type = 'index' ORDER BY name",
		expected:  []string{},
	},
	/* s10 */ {
		name:      "test s10: should rename a present table",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.RenameTableIfPresent, Table: "users", NewName: "accounts"},
		expectRan: true,
		check:     "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name",
		expected:  []string{"accounts"},
	},
	/* s11 */ {
		name:      "test s11: should skip renaming onto an existing table",
		setup:     []string{usersTable, "CREATE TABLE accounts (id INTEGER)"},
		op:        migration.Operation{Kind: migration.RenameTableIfPresent, Table: "users", NewName: "accounts"},
		expectRan: false,
		check:     "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name",
		expected:  []string{"accounts", "users"},
	},
	/* s12 */ {
		name:      "test s12: should drop a present table",
		setup:     []string{usersTable},
		op:        migration.Operation{Kind: migration.DropTableIfPresent, Table: "users"},
		expectRan: true,
		check:     "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name",
		expected:  []string{},
	},
	/* s13 */ {
		name:      "test s13: should skip dropping an absent table",
		op:        migration.Operation{Kind: migration.DropTableIfPresent, Table: "users"},
		expectRan: false,
		check:     "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name",
		expected:  []string{},
	},
	/* s14 */ {
		name:      "test s14: should skip merging an absent source",
		setup:     []string{"CREATE TABLE room_stats (room_id TEXT PRIMARY KEY, pos INTEGER)"},
		op:        migration.Operation{Kind: migration.MergeTable, Source: "room_stats_old", Table: "room_stats", Columns: []string{"room_id"}, TieBreak: "pos"},
		expectRan: false,
		check:     "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name",
		expected:  []string{"room_stats"},
	},

	// -- error cases: ---
	/* e0 */ {
		name:        "test e0: should fail adding a column to an absent table",
		op:          migration.Operation{Kind: migration.AddColumnIfAbsent, Table: "users", Column: "name", Definition: "TEXT"},
		expectError: true,
	},
	/* e1 */ {
		name: "test e1: should fail merging on a key missing from the source",
		setup: []string{
			"CREATE TABLE room_stats (room_id TEXT PRIMARY KEY, pos INTEGER)",
			"CREATE TABLE room_stats_old (id TEXT, pos INTEGER)",
		},
		op:          migration.Operation{Kind: migration.MergeTable, Source: "room_stats_old", Table: "room_stats", Columns: []string{"room_id"}, TieBreak: "pos"},
		expectError: true,
	},
}

func TestRunOperation(t *testing.T) {
	t.Parallel()

	for _, test := range operationTestTable {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			db := testdb.Open(t)
			testdb.Exec(t, db, test.setup...)
			ctx := context.Background()
			drv := sqlite.NewDriver()

			ran, err := apply.RunOperation(ctx, db, drv, test.op)
			if test.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expectRan, ran)
			assert.Equal(t, test.expected, testdb.Strings(t, db, test.check))

			// a second run must leave the schema unchanged
			ran, err = apply.RunOperation(ctx, db, drv, test.op)
			require.NoError(t, err)
			assert.False(t, ran)
			assert.Equal(t, test.expected, testdb.Strings(t, db, test.check))
		})
	}
}

func TestMergeTable(t *testing.T) {
	t.Parallel()

	db := testdb.Open(t)
	testdb.Exec(t, db,
		"CREATE TABLE room_stats (room_id TEXT, user_id TEXT, pos INTEGER, joined INTEGER, PRIMARY KEY (room_id, user_id))",
		"CREATE TABLE room_stats_old (room_id TEXT, user_id TEXT, pos INTEGER, joined INTEGER, legacy TEXT)",
		// destination rows
		"INSERT INTO room_stats VALUES ('!a', '@u', 10, 1)", // older than source: overwritten
		"INSERT INTO room_stats VALUES ('!b', '@u', 50, 2)", // newer than source: kept
		"INSERT INTO room_stats VALUES ('!d', '@u', 5, 3)",  // absent from source: kept
		// source rows
		"INSERT INTO room_stats_old VALUES ('!a', '@u', 20, 100, 'x')",
		"INSERT INTO room_stats_old VALUES ('!b', '@u', 40, 200, 'x')",
		"INSERT INTO room_stats_old VALUES ('!c', '@u', 1, 300, 'x')", // new key: inserted
		"INSERT INTO room_stats_old VALUES ('!c', '@u', 7, 301, 'x')", // newer duplicate wins
	)

	ctx := context.Background()
	drv := sqlite.NewDriver()
	keys := []string{"room_id", "user_id"}

	expected := []string{"!a|@u|20|100", "!b|@u|50|2", "!c|@u|7|301", "!d|@u|5|3"}
	query := "SELECT room_id || '|' || user_id || '|' || pos || '|' || joined FROM room_stats ORDER BY room_id"

	ran, err := apply.MergeTable(ctx, db, drv, "room_stats_old", "room_stats", keys, "pos")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, expected, testdb.Strings(t, db, query))

	_, err = apply.MergeTable(ctx, db, drv, "room_stats_old", "room_stats", keys, "pos")
	require.NoError(t, err)
	assert.Equal(t, expected, testdb.Strings(t, db, query))
}
