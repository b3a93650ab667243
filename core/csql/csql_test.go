package csql

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "$3", d.Placeholder(3))
	assert.Equal(t, `"s"."t"`, d.Table("s", "t"))

	d, err = DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "?", d.Placeholder(3))
	assert.Equal(t, `"t"`, d.Table("main", "t"))

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestOpenSQLite(t *testing.T) {
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"), "")
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "main", db.Schema)
	_, err = db.Exec(`CREATE TABLE things(id INTEGER PRIMARY KEY, name TEXT);`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO things(name) VALUES('a');`)
	require.NoError(t, err)

	require.NoError(t, db.Dialect.DropSchema(context.Background(), db, db.Schema))
	var count int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='things';`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestOpenSQLiteRejectsForeignSchema(t *testing.T) {
	_, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"), "other")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "host=localhost password=*** user=postgres",
		redact("host=localhost password=secret user=postgres"))
}
