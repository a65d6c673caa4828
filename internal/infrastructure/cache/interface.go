package cache

import (
	"context"
	"time"
)

// Cache is the read-through layer StateStore optionally sits in front of
// its DBConnector: reads check here first, writes go to the database and
// then delete the cached entry. The database, never the cache, is the
// source of truth (§4.2 durability requirement).
type Cache interface {
	// Get fetches a value by key and unmarshals it into dest.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns a key's remaining time to live.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire sets a TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HealthCheck reports whether the cache backend is reachable.
	HealthCheck(ctx context.Context) error

	// Ping checks the connection.
	Ping(ctx context.Context) error

	// Flush clears the entire cache.
	Flush(ctx context.Context) error
}

// CacheStats holds cache operating statistics.
type CacheStats struct {
	Hits         int64
	Misses       int64
	Sets         int64
	Deletes      int64
	Errors       int64
	Connections  int
	Uptime       time.Duration
}

// CacheConfig configures a Redis-backed Cache.
type CacheConfig struct {
	// Redis connection settings
	Addr     string        `env:"REDIS_ADDR" default:"localhost:6379"`
	Password string        `env:"REDIS_PASSWORD" default:""`
	DB       int           `env:"REDIS_DB" default:"0"`

	// Pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" default:"1"`
	MaxConnAge   time.Duration `env:"REDIS_MAX_CONN_AGE" default:"30m"`

	// Timeout settings
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" default:"3s"`

	// Retry settings
	MaxRetries      int           `env:"REDIS_MAX_RETRIES" default:"3"`
	MinRetryBackoff time.Duration `env:"REDIS_MIN_RETRY_BACKOFF" default:"8ms"`
	MaxRetryBackoff time.Duration `env:"REDIS_MAX_RETRY_BACKOFF" default:"512ms"`

	// Circuit breaker settings
	CircuitBreakerEnabled bool          `env:"REDIS_CIRCUIT_BREAKER_ENABLED" default:"true"`
	CircuitBreakerTimeout time.Duration `env:"REDIS_CIRCUIT_BREAKER_TIMEOUT" default:"10s"`

	// Monitoring
	MetricsEnabled bool `env:"REDIS_METRICS_ENABLED" default:"true"`
}

// Validate checks the configuration for obvious mistakes.
func (c *CacheConfig) Validate() error {
	if c.Addr == "" {
		return ErrInvalidConfig
	}
	if c.PoolSize <= 0 {
		return ErrInvalidConfig
	}
	if c.DialTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrNotFound is returned when a key is absent from the cache.
var ErrNotFound = NewCacheError("key not found", "NOT_FOUND")

// ErrInvalidConfig is returned for a malformed CacheConfig.
var ErrInvalidConfig = NewCacheError("invalid cache configuration", "CONFIG_ERROR")

// ErrConnectionFailed is returned when the cache backend is unreachable.
var ErrConnectionFailed = NewCacheError("connection failed", "CONNECTION_ERROR")

// CacheError is the error type returned by Cache implementations.
type CacheError struct {
	Message string
	Code    string
	Cause   error
}

func (e *CacheError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *CacheError) Unwrap() error {
	return e.Cause
}

// NewCacheError builds a CacheError.
func NewCacheError(message, code string) *CacheError {
	return &CacheError{
		Message: message,
		Code:    code,
	}
}

// IsNotFound reports whether err is a not-found CacheError.
func IsNotFound(err error) bool {
	if cacheErr, ok := err.(*CacheError); ok {
		return cacheErr.Code == "NOT_FOUND"
	}
	return false
}

// IsConnectionError reports whether err is a connection-failure CacheError.
func IsConnectionError(err error) bool {
	if cacheErr, ok := err.(*CacheError); ok {
		return cacheErr.Code == "CONNECTION_ERROR"
	}
	return false
}
