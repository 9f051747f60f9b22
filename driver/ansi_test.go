package driver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/root-talis/shinka/driver"
)

var numbered = driver.ANSI{Quote: `"`, NumberedParameters: true, Transactional: true} //nolint:gochecknoglobals

func TestANSIStatements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		actual   string
		expected string
	}{
		/* s0 */ {
			name:     "test s0: quoting escapes the quote character",
			actual:   numbered.QuoteIdent(`we"ird`),
			expected: `"we""ird"`,
		},
		/* s1 */ {
			name:     "test s1: numbered placeholder",
			actual:   numbered.Placeholder(3),
			expected: "$3",
		},
		/* s2 */ {
			name:     "test s2: question mark placeholder",
			actual:   driver.ANSI{}.Placeholder(3),
			expected: "?",
		},
		/* s3 */ {
			name:   "test s3: upsert updates every non-key column",
			actual: numbered.Upsert("ledger", []string{"version", "checksum", "success"}, []string{"version"}),
			expected: `INSERT INTO "ledger" ("version", "checksum", "success") VALUES ($1, $2, $3) ` +
				`ON CONFLICT ("version") DO UPDATE SET "checksum" = excluded."checksum", "success" = excluded."success"`,
		},
		/* s4 */ {
			name:     "test s4: unique index",
			actual:   numbered.CreateIndex("idx_users_name", "users", []string{"name", "server"}, true),
			expected: `CREATE UNIQUE INDEX "idx_users_name" ON "users" ("name", "server")`,
		},
		/* s5 */ {
			name:     "test s5: drop index ignores the table",
			actual:   numbered.DropIndex("idx_users_name", "users"),
			expected: `DROP INDEX "idx_users_name"`,
		},
		/* s6 */ {
			name:     "test s6: rename column",
			actual:   numbered.RenameColumn("users", "deactivated", "is_deactivated"),
			expected: `ALTER TABLE "users" RENAME COLUMN "deactivated" TO "is_deactivated"`,
		},
		/* s7 */ {
			name:     "test s7: add column keeps the definition verbatim",
			actual:   numbered.AddColumn("users", "locked", "BOOLEAN NOT NULL DEFAULT FALSE"),
			expected: `ALTER TABLE "users" ADD COLUMN "locked" BOOLEAN NOT NULL DEFAULT FALSE`,
		},
		/* s8 */ {
			name:   "test s8: merge update takes the newest source row",
			actual: numbered.MergeUpdate("src", "dst", []string{"id"}, []string{"name"}, "ts"),
			expected: `UPDATE "dst" AS d SET "name" = s."name" FROM "src" AS s ` +
				`WHERE d."id" = s."id" AND s."ts" > d."ts" ` +
				`AND NOT EXISTS (SELECT 1 FROM "src" AS s2 WHERE s2."id" = s."id" AND s2."ts" > s."ts")`,
		},
		/* s9 */ {
			name:   "test s9: merge insert skips existing keys",
			actual: numbered.MergeInsert("src", "dst", []string{"id"}, []string{"id", "name", "ts"}, "ts"),
			expected: `INSERT INTO "dst" ("id", "name", "ts") SELECT s."id", s."name", s."ts" FROM "src" AS s ` +
				`WHERE NOT EXISTS (SELECT 1 FROM "dst" AS d WHERE d."id" = s."id") ` +
				`AND NOT EXISTS (SELECT 1 FROM "src" AS s2 WHERE s2."id" = s."id" AND s2."ts" > s."ts")`,
		},
		/* s10 */ {
			name:     "test s10: composite join keys",
			actual:   numbered.JoinKeys("a", "b", []string{"room_id", "user_id"}),
			expected: `a."room_id" = b."room_id" AND a."user_id" = b."user_id"`,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.expected, test.actual)
		})
	}
}

func TestNonKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"b", "d"}, driver.NonKeys([]string{"a", "b", "c", "d"}, []string{"c", "a"}))
	assert.Empty(t, driver.NonKeys([]string{"a"}, []string{"a"}))
}

func TestLedgerTableDefinition(t *testing.T) {
	t.Parallel()

	ddl := numbered.CreateLedgerTable("schema_migrations")

	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "schema_migrations"`)
	for _, column := range []string{"version", "description", "checksum", "execution_time_ms", "success", "executed_at", "error_message"} {
		assert.Contains(t, ddl, column)
	}

	assert.Contains(t, numbered.CreateMetadataTable("db_metadata"), `"key"`)
}
