// Package redislease implements leases as redsync mutexes.
package redislease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/lease"
)

// Locker implements lease.Locker on one or more Redis nodes.
type Locker struct {
	rs     *redsync.Redsync
	prefix string
}

// New builds a Locker over the given clients. Keys are stored under "lease:".
func New(clients ...goredislib.UniversalClient) *Locker {
	pools := make([]redsyncredis.Pool, 0, len(clients))
	for _, c := range clients {
		pools = append(pools, goredis.NewPool(c))
	}
	return &Locker{rs: redsync.New(pools...), prefix: "lease:"}
}

func (l *Locker) mutex(name, holder string, ttl time.Duration) *redsync.Mutex {
	return l.rs.NewMutex(l.prefix+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return holder, nil }),
		redsync.WithValue(holder),
	)
}

func (l *Locker) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m := l.mutex(name, holder, ttl)
	err := m.TryLockContext(ctx)
	if err == nil {
		return true, nil
	}
	if !taken(err) {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}

	// The key exists; renew it when it is ours.
	ok, err := m.ExtendContext(ctx)
	if err != nil && !errors.Is(err, redsync.ErrExtendFailed) && !taken(err) {
		return false, fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	return ok, nil
}

func (l *Locker) Release(ctx context.Context, name, holder string) error {
	m := l.mutex(name, holder, time.Second)
	if _, err := m.UnlockContext(ctx); err != nil {
		var re *redsync.RedisError
		if errors.As(err, &re) {
			return fmt.Errorf("failed to release lease %s: %w", name, err)
		}
	}
	return nil
}

// taken reports whether err only says another holder owns the key.
func taken(err error) bool {
	var re *redsync.RedisError
	if errors.As(err, &re) {
		return false
	}
	var t *redsync.ErrTaken
	var nt *redsync.ErrNodeTaken
	return errors.Is(err, redsync.ErrFailed) || errors.As(err, &t) || errors.As(err, &nt)
}

var _ lease.Locker = (*Locker)(nil)
