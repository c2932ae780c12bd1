package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. Backs the rule
// store's by-product cache and the spend tracker's period totals.
// Implementations: local LRU, Redis, or two-phase LRU + Redis.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key with the given prefix. Used for
	// coarse invalidation (a whole instrument or the whole rule cache).
	DeletePrefix(ctx context.Context, prefix string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings: if true, check local first, then Redis.
	EnableTwoPhase bool
}
