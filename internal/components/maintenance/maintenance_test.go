// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities/capabilitiestest"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	_ "github.com/MahdiBaghbani/onboarding-go/internal/components/invites/jsonstore"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites/storetest"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type refusingLocker struct{}

func (refusingLocker) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (refusingLocker) Release(context.Context, string, string) error { return nil }

type harness struct {
	sweeper *Sweeper
	store   invites.Store
	issuer  *capabilitiestest.Issuer
	gateway *capabilitiestest.Gateway
}

func newHarness(t *testing.T, deps Deps) *harness {
	t.Helper()
	_, s := storetest.Open(t, &store.DriverConfig{
		Driver:  "json",
		Options: map[string]any{"data_dir": t.TempDir()},
	})
	h := &harness{store: s, issuer: capabilitiestest.NewIssuer(), gateway: capabilitiestest.NewGateway()}
	deps.Store, deps.Issuer, deps.Gateway = s, h.issuer, h.gateway

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	sw, err := New(deps, Config{Retention: 30 * 24 * time.Hour, Holder: "test"}, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sw.now = func() time.Time { return now }
	h.sweeper = sw
	return h
}

// invite creates an invite that expired age ago.
func (h *harness) invite(t *testing.T, email string, age time.Duration) string {
	t.Helper()
	created, err := h.store.Create(context.Background(), invites.NewInvite{
		Email: email, InvitedBy: "root", TTL: time.Hour, Now: now.Add(-age - time.Hour),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return created.ID
}

func TestSweep(t *testing.T) {
	h := newHarness(t, Deps{})
	ctx := context.Background()

	old := h.invite(t, "old@example.org", 40*24*time.Hour)
	bare := h.invite(t, "bare@example.org", 31*24*time.Hour)
	recent := h.invite(t, "recent@example.org", 24*time.Hour)
	merged := h.invite(t, "merged@example.org", 40*24*time.Hour)

	if err := h.store.MarkCertIssued(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := h.store.MarkPRCreated(ctx, old, 7, "old"); err != nil {
		t.Fatal(err)
	}
	for _, step := range []func() error{
		func() error { return h.store.MarkPRCreated(ctx, merged, 8, "merged") },
		func() error { return h.store.MarkPRMerged(ctx, merged) },
	} {
		if err := step(); err != nil {
			t.Fatal(err)
		}
	}

	n, err := h.sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deletions, got %d", n)
	}

	for _, id := range []string{old, bare} {
		if _, err := h.store.FindByID(ctx, id); !errors.Is(err, invites.ErrNotFound) {
			t.Errorf("expected %s deleted, got %v", id, err)
		}
	}
	for _, id := range []string{recent, merged} {
		if _, err := h.store.FindByID(ctx, id); err != nil {
			t.Errorf("expected %s kept, got %v", id, err)
		}
	}

	if args := h.issuer.CallsTo("DeleteSecret"); len(args) != 1 || args[0][0] != old {
		t.Errorf("expected secret cleanup for the issued invite only, got %v", args)
	}
	if !h.gateway.IsClosed(7) || h.gateway.Count("DeleteBranch") != 1 {
		t.Error("expected PR closed and branch deleted")
	}
}

func TestSweep_CleanupIsBestEffort(t *testing.T) {
	h := newHarness(t, Deps{})
	id := h.invite(t, "a@example.org", 40*24*time.Hour)
	if err := h.store.MarkPRCreated(context.Background(), id, 9, "a"); err != nil {
		t.Fatal(err)
	}
	h.gateway.FailAlways("Close", errors.New("github down"))

	n, err := h.sweeper.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Errorf("expected deletion despite cleanup failure, got %d, %v", n, err)
	}
}

func TestSweep_RespectsLease(t *testing.T) {
	h := newHarness(t, Deps{Locker: refusingLocker{}})
	h.invite(t, "a@example.org", 40*24*time.Hour)

	n, err := h.sweeper.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Errorf("expected skipped sweep, got %d, %v", n, err)
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(Deps{}, Config{Schedule: "every tuesday"}, nil); err == nil {
		t.Error("expected schedule error")
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.sweeper.Start(ctx)
	h.sweeper.Stop()
	h.sweeper.Stop()
}
