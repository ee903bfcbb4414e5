package redislease_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredislib "github.com/redis/go-redis/v9"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/lease/redislease"
)

func newLocker(t *testing.T) (*redislease.Locker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := goredislib.NewClient(&goredislib.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return redislease.New(client), s
}

func TestLocker_Exclusive(t *testing.T) {
	l, s := newLocker(t)
	ctx := context.Background()

	ok, err := l.TryAcquire(ctx, "reconciler", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected a to acquire, got %v, %v", ok, err)
	}
	if got, _ := s.Get("lease:reconciler"); got != "a" {
		t.Errorf("expected holder stored as value, got %q", got)
	}

	ok, err = l.TryAcquire(ctx, "reconciler", "b", time.Minute)
	if err != nil {
		t.Fatalf("expected contention to be reported without error, got %v", err)
	}
	if ok {
		t.Error("expected b to be refused while a holds the lease")
	}

	if ok, _ := l.TryAcquire(ctx, "reconciler", "a", time.Minute); !ok {
		t.Error("expected a to renew its own lease")
	}

	s.FastForward(2 * time.Minute)
	if ok, _ := l.TryAcquire(ctx, "reconciler", "b", time.Minute); !ok {
		t.Error("expected b to take over an expired lease")
	}
}

func TestLocker_Release(t *testing.T) {
	l, s := newLocker(t)
	ctx := context.Background()

	l.TryAcquire(ctx, "reconciler", "a", time.Minute)

	if err := l.Release(ctx, "reconciler", "b"); err != nil {
		t.Fatalf("Release by non-holder failed: %v", err)
	}
	if !s.Exists("lease:reconciler") {
		t.Fatal("release by a non-holder must not free the lease")
	}

	if err := l.Release(ctx, "reconciler", "a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if s.Exists("lease:reconciler") {
		t.Error("expected lease key removed")
	}

	if err := l.Release(ctx, "reconciler", "a"); err != nil {
		t.Errorf("releasing an expired lease should not fail, got %v", err)
	}
}
