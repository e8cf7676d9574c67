package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// IncrementCounter atomically increments a counter and returns the new value.
	// The counter resets once window has elapsed since its first increment.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" koanf:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" koanf:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" koanf:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" koanf:"redis_addr"`
	RedisPassword string `json:"-" koanf:"redis_password"`
	RedisDB       int    `json:"redisDb" koanf:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" koanf:"enable_two_phase"` // If true, check local first, then Redis
}
