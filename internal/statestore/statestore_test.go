package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/coordinator/internal/db"
	"github.com/buildforge/coordinator/internal/infrastructure/cache"
)

func newTestConnector(t *testing.T) db.Connector {
	t.Helper()
	conn, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Stop(context.Background()) })
	return conn
}

func TestGetObjectID_Idempotent(t *testing.T) {
	conn := newTestConnector(t)
	store := New(conn, nil)
	ctx := context.Background()

	id1, err := store.GetObjectID(ctx, "master", "host1:/srv/master")
	require.NoError(t, err)
	id2, err := store.GetObjectID(ctx, "master", "host1:/srv/master")
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestGetObjectID_DistinctNames(t *testing.T) {
	conn := newTestConnector(t)
	store := New(conn, nil)
	ctx := context.Background()

	id1, err := store.GetObjectID(ctx, "master", "a")
	require.NoError(t, err)
	id2, err := store.GetObjectID(ctx, "master", "b")
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}

func TestGetState_DefaultWhenAbsent(t *testing.T) {
	conn := newTestConnector(t)
	store := New(conn, nil)
	ctx := context.Background()

	objectid, err := store.GetObjectID(ctx, "master", "host1:/srv/master")
	require.NoError(t, err)

	var mark *int64
	ok, err := store.GetState(ctx, objectid, "last_processed_change", &mark)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetState_ThenGetState_RoundTrips(t *testing.T) {
	conn := newTestConnector(t)
	store := New(conn, nil)
	ctx := context.Background()

	objectid, err := store.GetObjectID(ctx, "master", "host1:/srv/master")
	require.NoError(t, err)

	require.NoError(t, store.SetState(ctx, objectid, "last_processed_change", int64(42)))

	var got int64
	ok, err := store.GetState(ctx, objectid, "last_processed_change", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), got)
}

func TestSetState_LastWriterWins(t *testing.T) {
	conn := newTestConnector(t)
	store := New(conn, nil)
	ctx := context.Background()

	objectid, err := store.GetObjectID(ctx, "master", "host1:/srv/master")
	require.NoError(t, err)

	require.NoError(t, store.SetState(ctx, objectid, "last_processed_change", int64(1)))
	require.NoError(t, store.SetState(ctx, objectid, "last_processed_change", int64(2)))

	var got int64
	ok, err := store.GetState(ctx, objectid, "last_processed_change", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), got)
}

func TestGetObjectID_IdempotentAcrossRestart(t *testing.T) {
	// Simulates a restart by creating a fresh StateStore (no in-memory
	// memoisation) over the same on-disk database file.
	dir := t.TempDir()
	path := dir + "/state.sqlite"

	conn1, err := db.New(db.Config{Driver: "sqlite", DSN: path})
	require.NoError(t, err)
	require.NoError(t, conn1.Start(context.Background()))
	store1 := New(conn1, nil)
	id1, err := store1.GetObjectID(context.Background(), "master", "host1:/srv/master")
	require.NoError(t, err)
	require.NoError(t, conn1.Stop(context.Background()))

	conn2, err := db.New(db.Config{Driver: "sqlite", DSN: path})
	require.NoError(t, err)
	require.NoError(t, conn2.Start(context.Background()))
	defer conn2.Stop(context.Background())
	store2 := New(conn2, nil)
	id2, err := store2.GetObjectID(context.Background(), "master", "host1:/srv/master")
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestStateStore_WithCache_ServesReadsFromCache(t *testing.T) {
	conn := newTestConnector(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc, err := cache.NewRedisCache(&cache.CacheConfig{
		Addr:        mr.Addr(),
		PoolSize:    5,
		DialTimeout: time.Second,
		ReadTimeout: time.Second,
	}, nil)
	require.NoError(t, err)

	store := New(conn, nil, WithCache(rc, time.Minute))
	ctx := context.Background()

	objectid, err := store.GetObjectID(ctx, "master", "host1:/srv/master")
	require.NoError(t, err)
	require.NoError(t, store.SetState(ctx, objectid, "last_processed_change", int64(7)))

	// SetState invalidated the cached entry, so this read falls through to
	// the database, returns the written value and repopulates the cache.
	var got int64
	ok, err := store.GetState(ctx, objectid, "last_processed_change", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), got)

	// GetObjectID for the same pair now hits the cache.
	id2, err := store.GetObjectID(ctx, "master", "host1:/srv/master")
	require.NoError(t, err)
	require.Equal(t, objectid, id2)
}
