// Package lease provides named, expiring leases so that only one instance
// runs a periodic job at a time.
package lease

import (
	"context"
	"time"
)

// Locker grants exclusive, expiring leases by name.
//
// TryAcquire returns false when another holder owns an unexpired lease.
// Re-acquiring a lease the caller already holds renews it. Release by a
// non-holder is a no-op.
type Locker interface {
	TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, holder string) error
}

// Noop grants every lease. It is the single-instance default.
type Noop struct{}

func (Noop) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (Noop) Release(context.Context, string, string) error { return nil }

var _ Locker = Noop{}
