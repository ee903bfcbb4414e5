// Package store provides the persistence driver registry.
// Drivers register a factory by name from init(); the binary selects one
// from configuration and type-asserts the domain interfaces it needs.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// ErrClosed is returned by drivers after Close.
var ErrClosed = errors.New("store closed")

// Driver defines the lifecycle every persistence backend implements.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init opens connections and migrates schema.
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the registered driver name.
	Name() string
}

// DriverConfig carries the selected driver and its raw option table.
type DriverConfig struct {
	Driver  string
	Options map[string]any
	Logger  *slog.Logger
}

// DriverFactory is a function that creates a driver instance.
type DriverFactory func(cfg *DriverConfig) (Driver, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DriverFactory)
)

// Register registers a driver factory by name.
// This is typically called from init() in driver packages.
func Register(name string, factory DriverFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = factory
}

// New creates a driver instance based on the configuration.
func New(cfg *DriverConfig) (Driver, error) {
	driversMu.RLock()
	factory, ok := drivers[cfg.Driver]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown store driver: %s (available: %v)", cfg.Driver, AvailableDrivers())
	}

	return factory(cfg)
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

// DecodeOptions decodes a raw option table into a typed struct using
// `mapstructure` tags. Unknown keys are an error.
func DecodeOptions(raw map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("invalid driver options: %w", err)
	}
	return nil
}
