package domain

import (
	"context"
	"time"
)

// Cache is a byte-oriented key/value cache with expiry. The engine uses it
// to memoize message scores; values must be safe to recompute.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is "memory", "redis" or "none".
	Type string

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// EnableTwoPhase checks the local LRU before Redis.
	EnableTwoPhase bool

	// MessageTTL bounds how long a memoized message score lives.
	MessageTTL time.Duration
}
