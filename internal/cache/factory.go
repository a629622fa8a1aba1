package cache

import (
	"fmt"
	"time"

	"github.com/softkeel/askrelay/internal/config"
)

// New creates a cache backend from configuration.
func New(cfg config.CacheConfig, defaultTTL time.Duration) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(defaultTTL), nil
	case "redis":
		return NewRedisCache(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.Backend)
	}
}
