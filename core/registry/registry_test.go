package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/dbrest/core/csql"
)

func newTestRegistry(t *testing.T) Registry {
	db, err := csql.Open("sqlite", filepath.Join(t.TempDir(), "registry.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return MustNew(db)
}

func TestRegistry(t *testing.T) {
	type foo struct {
		A string
		B string
	}
	ctx := context.Background()
	testRegistry := newTestRegistry(t).Accessor("_test_")

	// test non-existing key
	var something foo
	createdAt, err := testRegistry.Read(ctx, "key does not exist", &something)
	require.NoError(t, err)
	assert.True(t, createdAt.IsZero(), "non existing key seems to exist")

	write := foo{A: "Hello", B: "World"}
	now := time.Now()
	require.NoError(t, testRegistry.Write(ctx, "test", write))

	var read foo
	createdAt, err = testRegistry.Read(ctx, "test", &read)
	require.NoError(t, err)
	assert.Equal(t, write, read)
	assert.WithinDuration(t, now, createdAt, time.Second)

	// overwrite
	write.B = "Go"
	require.NoError(t, testRegistry.Write(ctx, "test", write))
	_, err = testRegistry.Read(ctx, "test", &read)
	require.NoError(t, err)
	assert.Equal(t, "Go", read.B)
}

func TestRegistryKeysAndDelete(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	a := r.Accessor("a")
	b := r.Accessor("b")

	require.NoError(t, a.Write(ctx, "2", 2))
	require.NoError(t, a.Write(ctx, "1", 1))
	require.NoError(t, b.Write(ctx, "3", 3))

	keys, err := a.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, keys)

	deleted, err := a.Delete(ctx, "1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = a.Delete(ctx, "1")
	require.NoError(t, err)
	assert.False(t, deleted)

	keys, err = r.Accessor("").Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:2", "b:3"}, keys)
}
