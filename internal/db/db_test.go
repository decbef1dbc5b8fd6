package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	conn, err := Open(Memory)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO t (v) VALUES ('a')")
	require.NoError(t, err)

	var n int
	require.NoError(t, conn.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestOpenCreatesParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "journal.db")

	conn, err := Open(path, WithMaxOpenConns(1))
	require.NoError(t, err)
	defer conn.Close()

	assert.FileExists(t, path)
}

func TestOpenRejectsBadPragma(t *testing.T) {
	_, err := Open(Memory, WithPragmas("journal_mode=WAL;", "no_such_thing ="))
	assert.Error(t, err)
}

func TestMigrateIsIncremental(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	first := "CREATE TABLE a (id INTEGER PRIMARY KEY)"
	second := "ALTER TABLE a ADD COLUMN note TEXT NOT NULL DEFAULT ''"

	conn, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, Migrate(conn, first))
	v, err := SchemaVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, conn.Close())

	// reopening with one more migration only runs the new one
	conn, err = Open(path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, Migrate(conn, first, second))
	require.NoError(t, Migrate(conn, first, second))

	v, err = SchemaVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = conn.Exec("INSERT INTO a (note) VALUES ('x')")
	assert.NoError(t, err)

	assert.ErrorContains(t, Migrate(conn, first), "newer than this build")
}

func TestMigrateRollsBackFailure(t *testing.T) {
	conn, err := Open(Memory)
	require.NoError(t, err)
	defer conn.Close()

	assert.Error(t, Migrate(conn, "CREATE TABLE ("))
	v, err := SchemaVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}
