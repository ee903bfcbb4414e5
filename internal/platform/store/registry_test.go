package store_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

type fakeDriver struct{ name string }

func (f *fakeDriver) Init(context.Context) error { return nil }
func (f *fakeDriver) Close() error               { return nil }
func (f *fakeDriver) Name() string               { return f.name }

func TestRegistry(t *testing.T) {
	store.Register("fake-test", func(cfg *store.DriverConfig) (store.Driver, error) {
		return &fakeDriver{name: cfg.Driver}, nil
	})

	d, err := store.New(&store.DriverConfig{Driver: "fake-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if d.Name() != "fake-test" {
		t.Errorf("expected fake-test, got %s", d.Name())
	}

	found := false
	for _, n := range store.AvailableDrivers() {
		if n == "fake-test" {
			found = true
		}
	}
	if !found {
		t.Error("expected fake-test in AvailableDrivers")
	}

	_, err = store.New(&store.DriverConfig{Driver: "missing"})
	if err == nil || !strings.Contains(err.Error(), "unknown store driver") {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}

func TestDecodeOptions(t *testing.T) {
	var opts struct {
		Path    string        `mapstructure:"path"`
		MaxOpen int           `mapstructure:"max_open"`
		Timeout time.Duration `mapstructure:"timeout"`
	}

	err := store.DecodeOptions(map[string]any{
		"path":     "/tmp/x.db",
		"max_open": "4",
		"timeout":  "5s",
	}, &opts)
	if err != nil {
		t.Fatalf("DecodeOptions() error = %v", err)
	}
	if opts.Path != "/tmp/x.db" || opts.MaxOpen != 4 || opts.Timeout != 5*time.Second {
		t.Errorf("unexpected decode result %+v", opts)
	}

	if err := store.DecodeOptions(map[string]any{"bogus": 1}, &opts); err == nil {
		t.Error("expected error for unknown key")
	}
}
