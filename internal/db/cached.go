package db

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedConnector decorates a Connector with read-through LRU caches over
// GetChange and GetBuildset, sized by the config artifact's changeCacheSize
// and buildCacheSize (§5 resource caps). The database remains the source of
// truth: writes go straight through, and a cache entry is only ever
// populated by a successful read, never by InsertChange/InsertBuildset —
// mirroring the StateStore's read-through-not-write-through Redis layer.
type cachedConnector struct {
	Connector

	changes   *lru.Cache[int64, ChangeRecord]
	buildsets *lru.Cache[int64, BuildsetRecord]
}

// WithCaches wraps conn with bounded LRU caches when the corresponding size
// is positive. A zero or negative size leaves that lookup uncached.
func WithCaches(conn Connector, changeCacheSize, buildCacheSize int) Connector {
	if changeCacheSize <= 0 && buildCacheSize <= 0 {
		return conn
	}
	cc := &cachedConnector{Connector: conn}
	if changeCacheSize > 0 {
		cache, err := lru.New[int64, ChangeRecord](changeCacheSize)
		if err == nil {
			cc.changes = cache
		}
	}
	if buildCacheSize > 0 {
		cache, err := lru.New[int64, BuildsetRecord](buildCacheSize)
		if err == nil {
			cc.buildsets = cache
		}
	}
	return cc
}

func (c *cachedConnector) GetChange(ctx context.Context, changeid int64) (ChangeRecord, error) {
	if c.changes != nil {
		if v, ok := c.changes.Get(changeid); ok {
			return v, nil
		}
	}
	v, err := c.Connector.GetChange(ctx, changeid)
	if err != nil {
		return ChangeRecord{}, err
	}
	if c.changes != nil {
		c.changes.Add(changeid, v)
	}
	return v, nil
}

func (c *cachedConnector) GetBuildset(ctx context.Context, bsid int64) (BuildsetRecord, error) {
	if c.buildsets != nil {
		if v, ok := c.buildsets.Get(bsid); ok {
			return v, nil
		}
	}
	v, err := c.Connector.GetBuildset(ctx, bsid)
	if err != nil {
		return BuildsetRecord{}, err
	}
	if c.buildsets != nil {
		c.buildsets.Add(bsid, v)
	}
	return v, nil
}

// CompleteBuildset invalidates the cached copy of bsid: its result has
// changed and a stale cache entry would serve an incomplete buildset
// indefinitely.
func (c *cachedConnector) CompleteBuildset(ctx context.Context, bsid int64, result int) error {
	err := c.Connector.CompleteBuildset(ctx, bsid, result)
	if err == nil && c.buildsets != nil {
		c.buildsets.Remove(bsid)
	}
	return err
}
