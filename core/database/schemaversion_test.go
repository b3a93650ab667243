package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChecker(t *testing.T) (*VersionChecker, *Conn) {
	pools := newTestPools(t)
	conn, err := pools.PoolDB(context.Background(), dataPool, dataPool, "", true)
	require.NoError(t, err)
	t.Cleanup(func() { pools.Back(conn) })
	assert.Equal(t, "main", conn.Target.Schema)
	checker := NewVersionChecker(conn)
	require.NoError(t, checker.CreateTables(context.Background(), conn))
	require.NoError(t, checker.CreateTables(context.Background(), conn), "tables are created only once")
	return checker, conn
}

func TestVersionCheckerAdvance(t *testing.T) {
	ctx := context.Background()
	checker, conn := newTestChecker(t)

	version, ok, err := checker.Current(ctx, conn, "m")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "", version)
	require.NoError(t, checker.IsUpToDate(ctx, conn, "m", ""))

	require.NoError(t, checker.Advance(ctx, conn, "m", "", "1"))
	version, ok, err = checker.Current(ctx, conn, "m")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", version)

	err = checker.Advance(ctx, conn, "m", "", "1")
	var conflict *VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "1", conflict.Current)
	assert.Equal(t, "", conflict.Expected)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	require.NoError(t, checker.Advance(ctx, conn, "m", "1", "2"))
	err = checker.Advance(ctx, conn, "m", "1", "3")
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "2", conflict.Current)

	err = checker.IsUpToDate(ctx, conn, "m", "1")
	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Contains(t, err.Error(), "module m is at version '2', expected '1'")
}

func TestVersionCheckerLock(t *testing.T) {
	ctx := context.Background()
	checker, conn := newTestChecker(t)
	now := time.Now()
	checker.now = func() time.Time { return now }

	require.NoError(t, checker.Lock(ctx, conn, "m", "a", time.Minute))
	assert.True(t, errors.Is(checker.Lock(ctx, conn, "m", "b", time.Minute), ErrLocked))
	require.NoError(t, checker.Lock(ctx, conn, "other", "b", time.Minute), "locks are per module")

	// an expired lock is taken over
	now = now.Add(2 * time.Minute)
	require.NoError(t, checker.Lock(ctx, conn, "m", "b", time.Minute))
	assert.True(t, errors.Is(checker.Lock(ctx, conn, "m", "c", time.Minute), ErrLocked))

	// the former holder cannot release the lock of its successor
	released, err := checker.Release(ctx, conn, "m", "a")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, errors.Is(checker.Lock(ctx, conn, "m", "c", time.Minute), ErrLocked))

	released, err = checker.Release(ctx, conn, "m", "b")
	require.NoError(t, err)
	assert.True(t, released)
	require.NoError(t, checker.Lock(ctx, conn, "m", "c", 0))

	// Unlock releases any holder
	require.NoError(t, checker.Unlock(ctx, conn, "m"))
	require.NoError(t, checker.Unlock(ctx, conn, "m"))
	require.NoError(t, checker.Lock(ctx, conn, "m", "d", 0))
}
