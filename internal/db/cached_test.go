package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingConnector struct {
	Connector
	changeReads   int
	buildsetReads int
}

func (c *countingConnector) GetChange(ctx context.Context, changeid int64) (ChangeRecord, error) {
	c.changeReads++
	return c.Connector.GetChange(ctx, changeid)
}

func (c *countingConnector) GetBuildset(ctx context.Context, bsid int64) (BuildsetRecord, error) {
	c.buildsetReads++
	return c.Connector.GetBuildset(ctx, bsid)
}

func newPopulatedSQLite(t *testing.T) Connector {
	t.Helper()
	conn, err := New(Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, conn.Start(context.Background()))
	t.Cleanup(func() { conn.Stop(context.Background()) })
	return conn
}

func TestWithCaches_ZeroSizes_ReturnsUnwrappedConnector(t *testing.T) {
	base := newPopulatedSQLite(t)
	wrapped := WithCaches(base, 0, 0)
	assert.Same(t, base, wrapped)
}

func TestWithCaches_GetChange_ServesSecondReadFromCache(t *testing.T) {
	base := newPopulatedSQLite(t)
	counting := &countingConnector{Connector: base}
	wrapped := WithCaches(counting, 10, 10)

	id, err := base.InsertChange(context.Background(), ChangeRecord{Who: "alice"})
	require.NoError(t, err)

	first, err := wrapped.GetChange(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", first.Who)
	assert.Equal(t, 1, counting.changeReads)

	second, err := wrapped.GetChange(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", second.Who)
	assert.Equal(t, 1, counting.changeReads, "second read should be served from cache")
}

func TestWithCaches_CompleteBuildset_InvalidatesCache(t *testing.T) {
	base := newPopulatedSQLite(t)
	counting := &countingConnector{Connector: base}
	wrapped := WithCaches(counting, 10, 10)

	bsid, err := base.InsertBuildset(context.Background(), BuildsetRecord{Builders: []string{"linux"}})
	require.NoError(t, err)

	_, err = wrapped.GetBuildset(context.Background(), bsid)
	require.NoError(t, err)
	assert.Equal(t, 1, counting.buildsetReads)

	require.NoError(t, wrapped.CompleteBuildset(context.Background(), bsid, 0))

	_, err = wrapped.GetBuildset(context.Background(), bsid)
	require.NoError(t, err)
	assert.Equal(t, 2, counting.buildsetReads, "cache entry should have been invalidated by CompleteBuildset")
}
