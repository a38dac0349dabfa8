package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestApplyRecordsApplied(t *testing.T) {
	db := openInMemoryDB(t)

	migrations := fstest.MapFS{
		"001_create.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;"),
		},
	}

	require.NoError(t, Apply(context.Background(), db, SQLite, migrations, ""))
	assert.EqualValues(t, 1, queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"))
	assert.True(t, tableExists(t, db, "items"))
}

func TestApplySkipsAlreadyApplied(t *testing.T) {
	db := openInMemoryDB(t)
	migrations := fstest.MapFS{
		"001_create.sql": &fstest.MapFile{
			Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);"),
		},
	}

	require.NoError(t, Apply(context.Background(), db, SQLite, migrations, ""))
	require.NoError(t, Apply(context.Background(), db, SQLite, migrations, ""))
	assert.EqualValues(t, 1, queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"))
}

func TestApplyDoesNotRecordFailedMigration(t *testing.T) {
	db := openInMemoryDB(t)

	bad := fstest.MapFS{
		"001_bad.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREAT table things(id INT);")},
	}
	require.Error(t, Apply(context.Background(), db, SQLite, bad, ""))
	assert.EqualValues(t, 0, queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"))

	good := fstest.MapFS{
		"001_bad.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE things(id INTEGER PRIMARY KEY);")},
	}
	require.NoError(t, Apply(context.Background(), db, SQLite, good, ""))
	assert.EqualValues(t, 1, queryInt64(t, db, "SELECT COUNT(*) FROM schema_migrations"))
}

func TestApplyRespectsRoot(t *testing.T) {
	db := openInMemoryDB(t)
	migrations := fstest.MapFS{
		"audit/001_logs.sql": &fstest.MapFile{Data: []byte("CREATE TABLE log_rows(id TEXT PRIMARY KEY);")},
	}

	require.NoError(t, Apply(context.Background(), db, SQLite, migrations, "audit"))

	var key string
	require.NoError(t, db.QueryRow("SELECT name FROM schema_migrations LIMIT 1").Scan(&key))
	assert.Equal(t, "audit/001_logs.sql", key)
	assert.True(t, tableExists(t, db, "log_rows"))
}

func TestPostgresPlaceholder(t *testing.T) {
	assert.Equal(t, "$2", Postgres.Placeholder(2))
	assert.Equal(t, "?", SQLite.Placeholder(2))
}

func TestExtractUp(t *testing.T) {
	assert.Equal(t, "\nA;\n", ExtractUp("-- +migrate Up\nA;\n-- +migrate Down\nB;"))
	assert.Equal(t, "A;", ExtractUp("A;"))
}

func openInMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps every statement on the same in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func queryInt64(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var value int64
	require.NoError(t, db.QueryRow(query).Scan(&value))
	return value
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	require.NoError(t, err)
	return name == tableName
}
