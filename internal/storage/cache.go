package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"utm-content-engine/internal/config"
)

// ErrCacheMiss is returned by Cache.Get when the key does not exist or has expired.
var ErrCacheMiss = errors.New("cache miss")

const scanBatch = 500

// Cache is a thin redis client. Every call is bounded by opTimeout on top of
// the client's own retry budget, so an outage costs at most a few hundred ms.
type Cache struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

func NewCache(cfg config.Config) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		DialTimeout:     cfg.Redis.DialTimeout,
		ReadTimeout:     cfg.Redis.ReadTimeout,
		WriteTimeout:    cfg.Redis.WriteTimeout,
		MaxRetries:      cfg.Redis.MaxRetries,
		MinRetryBackoff: cfg.Redis.MinRetryBackoff,
		MaxRetryBackoff: cfg.Redis.MaxRetryBackoff,
	})
	return NewCacheFromClient(rdb, cfg.Redis.OpTimeout)
}

func NewCacheFromClient(rdb *redis.Client, opTimeout time.Duration) *Cache {
	if opTimeout <= 0 {
		opTimeout = 150 * time.Millisecond
	}
	return &Cache{rdb: rdb, opTimeout: opTimeout}
}

func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.rdb.Close()
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (c *Cache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix and reports how many
// were deleted. It walks the keyspace with SCAN, so it never blocks redis.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	match := globEscape(prefix) + "*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.scan(ctx, cursor, match)
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := c.del(ctx, keys)
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

func (c *Cache) scan(ctx context.Context, cursor uint64, match string) ([]string, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	keys, next, err := c.rdb.Scan(ctx, cursor, match, scanBatch).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis scan: %w", err)
	}
	return keys, next, nil
}

func (c *Cache) del(ctx context.Context, keys []string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return int(n), nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string { return globReplacer.Replace(s) }
