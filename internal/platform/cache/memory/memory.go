// Package memory provides an in-process cache with TTL support.
// Counters are per process; use the redis driver when several instances
// share one rate limit.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/cache"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

func init() {
	cache.RegisterDriver("memory", func(options map[string]any, logger *slog.Logger) (cache.CacheWithCounter, error) {
		opts := Options{
			DefaultTTL:      cache.TTLDefault,
			CleanupInterval: 5 * time.Minute,
		}
		if err := store.DecodeOptions(options, &opts); err != nil {
			return nil, err
		}
		return New(opts.DefaultTTL, opts.CleanupInterval), nil
	})
}

// Options are read from [cache.drivers.memory].
type Options struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

type counter struct {
	value     int64
	expiresAt time.Time
}

// Cache is an in-memory cache with TTL support.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*entry
	counters   map[string]*counter
	defaultTTL time.Duration
	now        func() time.Time
	stopClean  chan struct{}
	closeOnce  sync.Once
}

// New creates an in-memory cache. A zero cleanupInterval disables the
// background sweep; expired keys are still ignored on read.
func New(defaultTTL, cleanupInterval time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = cache.TTLDefault
	}
	c := &Cache{
		items:      make(map[string]*entry),
		counters:   make(map[string]*counter),
		defaultTTL: defaultTTL,
		now:        time.Now,
		stopClean:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.stopClean:
			return
		}
	}
}

func (c *Cache) deleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
		}
	}
	for k, v := range c.counters {
		if !now.Before(v.expiresAt) {
			delete(c.counters, k)
		}
	}
}

func (c *Cache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	if !c.now().Before(e.expiresAt) {
		return nil, cache.ErrExpired
	}
	return append([]byte(nil), e.value...), nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := &entry{
		value:     append([]byte(nil), value...),
		expiresAt: c.now().Add(c.ttl(ttl)),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = e
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	return ok && c.now().Before(e.expiresAt), nil
}

func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ctr, ok := c.counters[key]
	if !ok || !now.Before(ctr.expiresAt) {
		ctr = &counter{expiresAt: now.Add(c.ttl(ttl))}
		c.counters[key] = ctr
	}
	ctr.value += delta
	return ctr.value, ctr.expiresAt, nil
}

func (c *Cache) GetCount(ctx context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctr, ok := c.counters[key]
	if !ok || !c.now().Before(ctr.expiresAt) {
		return 0, nil
	}
	return ctr.value, nil
}

func (c *Cache) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, key)
	return nil
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() { close(c.stopClean) })
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)
