// Package redis provides the Redis cache driver on go-redis. Counters are
// shared by every instance pointing at the same server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/cache"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

func init() {
	cache.RegisterDriver("redis", func(options map[string]any, logger *slog.Logger) (cache.CacheWithCounter, error) {
		cfg := DefaultConfig()
		if err := store.DecodeOptions(options, cfg); err != nil {
			return nil, err
		}
		return New(cfg, logger)
	})
}

// Config holds Redis connection configuration, read from [cache.drivers.redis].
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// DefaultConfig returns defaults for a local Redis.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "onboarding:",
		DefaultTTL:   cache.TTLDefault,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// incrScript increments a counter and starts its window on first use.
// Returns {value, pttl_ms}.
var incrScript = goredis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {n, ttl}
`)

// Cache is a Redis-backed cache and counter.
type Cache struct {
	client *goredis.Client
	cfg    *Config
	logger *slog.Logger
}

// New connects to Redis and fails fast when the server does not answer a PING.
func New(cfg *Config, logger *slog.Logger) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger = logutil.NoopIfNil(logger)

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis health check failed for %s: %w", cfg.Addr, err)
	}

	logger.Info("redis cache connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Cache{client: client, cfg: cfg, logger: logger}, nil
}

// Client exposes the underlying connection for the redis lease.
func (c *Cache) Client() *goredis.Client { return c.client }

func (c *Cache) key(k string) string { return c.cfg.KeyPrefix + k }

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.cfg.DefaultTTL
	}
	return ttl
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return b, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key(key), value, c.ttl(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	vals, err := incrScript.Run(ctx, c.client, []string{c.key(key)}, delta, c.ttl(ttl).Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr: %w", err)
	}
	if len(vals) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis incr: unexpected reply %v", vals)
	}
	return vals[0], time.Now().Add(time.Duration(vals[1]) * time.Millisecond), nil
}

func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get count: %w", err)
	}
	return n, nil
}

func (c *Cache) Reset(ctx context.Context, key string) error {
	return c.Delete(ctx, key)
}

func (c *Cache) Close() error {
	return c.client.Close()
}

var _ cache.CacheWithCounter = (*Cache)(nil)
