// Package statestore implements the coordinator's StateStore: durable
// per-master key/value state keyed by a stable object identity, backed by
// the database and optionally fronted by a Redis read-through cache
// (§4.2). The database is always the writer of record; the cache, when
// configured, only shortcuts reads.
package statestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/buildforge/coordinator/internal/db"
	"github.com/buildforge/coordinator/internal/infrastructure/cache"
	"github.com/buildforge/coordinator/internal/metrics"
)

// StateStore resolves (class_tag, qualified_name) pairs to stable integer
// object ids and stores arbitrary JSON-serialisable state under them.
type StateStore struct {
	conn   db.Connector
	cache  cache.Cache // optional; nil disables the read-through layer
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures a StateStore.
type Option func(*StateStore)

// WithCache installs a read-through cache in front of GetState/GetObjectID.
// The TTL bounds how long a cached value may be served before falling
// through to the database again.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *StateStore) {
		s.cache = c
		s.ttl = ttl
	}
}

// New returns a StateStore backed by conn.
func New(conn db.Connector, logger *slog.Logger, opts ...Option) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &StateStore{conn: conn, logger: logger.With("component", "statestore"), ttl: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetObjectID resolves (classTag, qualifiedName) to a stable integer id,
// inserting a row on first use. Idempotent across restarts (§8 property 5):
// two calls separated by a coordinator restart return the same integer
// because the mapping lives in the database, not in memory.
func (s *StateStore) GetObjectID(ctx context.Context, classTag, qualifiedName string) (int64, error) {
	cacheKey := objectIDCacheKey(classTag, qualifiedName)
	if s.cache != nil {
		var id int64
		if err := s.cache.Get(ctx, cacheKey, &id); err == nil {
			metrics.StateStoreCacheHits.Inc()
			return id, nil
		}
		metrics.StateStoreCacheMisses.Inc()
	}

	id, err := s.conn.GetObjectID(ctx, classTag, qualifiedName)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, id, s.ttl); err != nil {
			s.logger.Warn("failed to populate object id cache", "error", err)
		}
	}
	return id, nil
}

// GetState returns the stored value for (objectid, name) unmarshalled into
// dest, or leaves dest untouched and returns ok=false if absent.
func (s *StateStore) GetState(ctx context.Context, objectid int64, name string, dest interface{}) (ok bool, err error) {
	cacheKey := stateCacheKey(objectid, name)
	if s.cache != nil {
		if err := s.cache.Get(ctx, cacheKey, dest); err == nil {
			metrics.StateStoreCacheHits.Inc()
			return true, nil
		}
		metrics.StateStoreCacheMisses.Inc()
	}

	raw, found, err := s.conn.GetState(ctx, objectid, name)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, dest, s.ttl); err != nil {
			s.logger.Warn("failed to populate state cache", "error", err)
		}
	}
	return true, nil
}

// SetState durably stores value for (objectid, name). Last-writer-wins; the
// future this returns (the error, once this resolves) does not come back
// until the database write is durable. The cache entry, if any, is
// invalidated rather than updated in place, so a racing reader falls
// through to the database instead of serving a stale blend.
func (s *StateStore) SetState(ctx context.Context, objectid int64, name string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.conn.SetState(ctx, objectid, name, raw); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, stateCacheKey(objectid, name)); err != nil {
			s.logger.Warn("failed to invalidate state cache", "error", err)
		}
	}
	return nil
}

func objectIDCacheKey(classTag, qualifiedName string) string {
	return "objectid:" + classTag + ":" + qualifiedName
}

func stateCacheKey(objectid int64, name string) string {
	return "state:" + strconv.FormatInt(objectid, 10) + ":" + name
}
