// Package cache provides response caching for the news and market proxies.
// Both third-party APIs have tight request quotas, so successful responses
// are reused for a configurable TTL.
package cache

import (
	"context"
	"time"
)

// Cache is a minimal byte-oriented cache.
type Cache interface {
	// Get returns the cached value and whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}
