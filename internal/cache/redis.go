package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/softkeel/askrelay/internal/config"
)

// RedisCache implements Cache using Redis as backend.
type RedisCache struct {
	client    *goredis.Client
	namespace string
}

// NewRedisCache creates a new Redis cache client and verifies connectivity.
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "askrelay"
	}

	return &RedisCache{client: client, namespace: namespace}, nil
}

func (c *RedisCache) key(key string) string {
	return c.namespace + ":" + key
}

// Get returns the cached value and whether it was found.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, goredis.Nil) {
			// Treat backend errors as misses; the caller refetches.
			return nil, false
		}
		return nil, false
	}
	return val, true
}

// Set stores a value with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
