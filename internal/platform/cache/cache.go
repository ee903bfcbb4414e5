// Package cache provides TTL key-value storage and counters for rate limiting
// and directory lookups. Drivers register themselves from init().
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrExpired  = errors.New("key expired")
)

// Cache provides TTL-based key-value storage.
type Cache interface {
	// Get retrieves a value by key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. If TTL is 0, use default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists and is not expired.
	Exists(ctx context.Context, key string) (bool, error)

	Close() error
}

// Counter provides atomic fixed-window counters.
type Counter interface {
	// Increment adds delta to the counter and returns the new value and the
	// time the window resets. A missing key starts a new window of ttl.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Time, error)

	// GetCount returns the current counter value, 0 if not found.
	GetCount(ctx context.Context, key string) (int64, error)

	Reset(ctx context.Context, key string) error
}

// CacheWithCounter combines Cache and Counter.
type CacheWithCounter interface {
	Cache
	Counter
}

// Default TTLs.
const (
	TTLDefault   = 15 * time.Minute
	TTLGroups    = 5 * time.Minute // directory group listing
	TTLRateLimit = 1 * time.Minute
)

// DriverFactory builds a cache from its raw option table.
type DriverFactory func(options map[string]any, logger *slog.Logger) (CacheWithCounter, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// RegisterDriver registers a cache driver factory by name.
func RegisterDriver(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// New creates the named cache driver.
func New(name string, options map[string]any, logger *slog.Logger) (CacheWithCounter, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cache driver: %s (available: %v)", name, AvailableDrivers())
	}
	return factory(options, logger)
}

// AvailableDrivers returns the sorted list of registered driver names.
func AvailableDrivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
