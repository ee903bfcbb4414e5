// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package storetest provides the shared conformance suite for invites.Store drivers.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

// Factory returns a fresh, empty driver configuration for one subtest.
type Factory func(t *testing.T) *store.DriverConfig

// Open creates and initialises a driver and returns it as an invites.Store.
func Open(t *testing.T, cfg *store.DriverConfig) (store.Driver, invites.Store) {
	t.Helper()
	driver, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create %s driver: %v", cfg.Driver, err)
	}
	if err := driver.Init(context.Background()); err != nil {
		t.Fatalf("failed to init %s driver: %v", cfg.Driver, err)
	}
	t.Cleanup(func() { driver.Close() })

	s, ok := driver.(invites.Store)
	if !ok {
		t.Fatalf("%s driver does not implement invites.Store", cfg.Driver)
	}
	return driver, s
}

// RunDriverTests runs the standard suite against a driver.
func RunDriverTests(t *testing.T, driverName string, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, ctx context.Context, s invites.Store)
	}{
		{"CreateAndFind", testCreateAndFind},
		{"DuplicatePending", testDuplicatePending},
		{"GroupsRoundTrip", testGroupsRoundTrip},
		{"ConsumeByToken", testConsumeByToken},
		{"ConcurrentConsume", testConcurrentConsume},
		{"StepsAreMonotonic", testStepsAreMonotonic},
		{"RevokeUnmerged", testRevokeUnmerged},
		{"RevokingFlow", testRevokingFlow},
		{"AwaitingQueries", testAwaitingQueries},
		{"FailureCeiling", testFailureCeiling},
		{"RecordAttempt", testRecordAttempt},
		{"RotateToken", testRotateToken},
		{"ExpiredAndDelete", testExpiredAndDelete},
		{"Revocations", testRevocations},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := factory(t)
			driver, s := Open(t, cfg)
			if driver.Name() != driverName {
				t.Errorf("expected driver name %q, got %q", driverName, driver.Name())
			}
			tt.fn(t, context.Background(), s)
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newInvite(email string) invites.NewInvite {
	return invites.NewInvite{
		Email:      email,
		Groups:     []string{"g-2", "g-1"},
		GroupNames: []string{"Staff", "Admins"},
		InvitedBy:  "ops",
		Locale:     "en",
		TTL:        invites.DefaultTTL,
		Now:        base,
	}
}

func mustCreate(t *testing.T, ctx context.Context, s invites.Store, email string) *invites.Created {
	t.Helper()
	c, err := s.Create(ctx, newInvite(email))
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", email, err)
	}
	return c
}

func mustFind(t *testing.T, ctx context.Context, s invites.Store, id string) *invites.Invite {
	t.Helper()
	inv, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID(%s) failed: %v", id, err)
	}
	return inv
}

func ids(list []*invites.Invite) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, inv := range list {
		out[inv.ID] = true
	}
	return out
}

func testCreateAndFind(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "alice@example.org")
	if c.ID == "" || len(c.Token) != 64 {
		t.Fatalf("unexpected created result %+v", c)
	}
	if !c.ExpiresAt.Equal(base.Add(invites.DefaultTTL)) {
		t.Errorf("expected expiry %v, got %v", base.Add(invites.DefaultTTL), c.ExpiresAt)
	}

	inv := mustFind(t, ctx, s, c.ID)
	if inv.Email != "alice@example.org" || inv.InvitedBy != "ops" || inv.Locale != "en" {
		t.Errorf("unexpected invite %+v", inv)
	}
	if inv.Status != invites.StatusPending || inv.Steps != 0 || inv.UsedAt != nil {
		t.Errorf("expected fresh pending invite, got status=%s steps=%s", inv.Status, inv.Steps)
	}
	if inv.TokenHash != invites.HashToken(c.Token) {
		t.Error("token hash mismatch")
	}

	byHash, err := s.FindByTokenHash(ctx, invites.HashToken(c.Token))
	if err != nil || byHash == nil || byHash.ID != c.ID {
		t.Errorf("FindByTokenHash = %v, %v", byHash, err)
	}

	missing, err := s.FindByTokenHash(ctx, invites.HashToken("nope"))
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for unknown hash, got %v, %v", missing, err)
	}

	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testDuplicatePending(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "bob@example.org")

	if _, err := s.Create(ctx, newInvite("bob@example.org")); !errors.Is(err, invites.ErrDuplicatePending) {
		t.Fatalf("expected ErrDuplicatePending, got %v", err)
	}

	// A revoked invite no longer blocks.
	if err := s.Revoke(ctx, c.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := s.Create(ctx, newInvite("bob@example.org")); err != nil {
		t.Fatalf("expected create after revoke to succeed, got %v", err)
	}

	// An expired invite no longer blocks.
	in := newInvite("carol@example.org")
	in.TTL = time.Hour
	mustCreateWith(t, ctx, s, in)
	later := newInvite("carol@example.org")
	later.Now = base.Add(2 * time.Hour)
	if _, err := s.Create(ctx, later); err != nil {
		t.Fatalf("expected create after expiry to succeed, got %v", err)
	}
}

func mustCreateWith(t *testing.T, ctx context.Context, s invites.Store, in invites.NewInvite) *invites.Created {
	t.Helper()
	c, err := s.Create(ctx, in)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return c
}

func testGroupsRoundTrip(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "groups@example.org")
	inv := mustFind(t, ctx, s, c.ID)

	if !reflect.DeepEqual(inv.Groups, []string{"g-2", "g-1"}) {
		t.Errorf("groups order not preserved: %v", inv.Groups)
	}
	if !reflect.DeepEqual(inv.GroupNames, []string{"Staff", "Admins"}) {
		t.Errorf("group names order not preserved: %v", inv.GroupNames)
	}

	empty := newInvite("nogroups@example.org")
	empty.Groups, empty.GroupNames = nil, nil
	c2 := mustCreateWith(t, ctx, s, empty)
	inv2 := mustFind(t, ctx, s, c2.ID)
	if len(inv2.Groups) != 0 || len(inv2.GroupNames) != 0 {
		t.Errorf("expected empty groups, got %v %v", inv2.Groups, inv2.GroupNames)
	}
}

func testConsumeByToken(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "dave@example.org")
	now := base.Add(time.Hour)

	inv, err := s.ConsumeByToken(ctx, c.Token, "dave", now)
	if err != nil {
		t.Fatalf("ConsumeByToken failed: %v", err)
	}
	if inv.UsedAt == nil || !inv.UsedAt.Equal(now) || inv.UsedBy != "dave" {
		t.Errorf("expected used by dave at %v, got %v %q", now, inv.UsedAt, inv.UsedBy)
	}
	if got := inv.State(); got != (invites.Accepted{Username: "dave"}) {
		t.Errorf("expected accepted state, got %v", got)
	}

	if _, err := s.ConsumeByToken(ctx, c.Token, "dave", now); !errors.Is(err, invites.ErrInvalidOrExpiredToken) {
		t.Errorf("expected second consume to fail, got %v", err)
	}
	if _, err := s.ConsumeByToken(ctx, "unknown", "x", now); !errors.Is(err, invites.ErrInvalidOrExpiredToken) {
		t.Errorf("expected unknown token to fail, got %v", err)
	}

	if err := s.MarkUsedBy(ctx, c.ID, "dave"); err != nil {
		t.Errorf("MarkUsedBy should be idempotent, got %v", err)
	}

	expired := mustCreate(t, ctx, s, "erin@example.org")
	if _, err := s.ConsumeByToken(ctx, expired.Token, "erin", base.Add(invites.DefaultTTL+time.Second)); !errors.Is(err, invites.ErrInvalidOrExpiredToken) {
		t.Errorf("expected expired token to fail, got %v", err)
	}

	revoked := mustCreate(t, ctx, s, "frank@example.org")
	if err := s.Revoke(ctx, revoked.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConsumeByToken(ctx, revoked.Token, "frank", now); !errors.Is(err, invites.ErrInvalidOrExpiredToken) {
		t.Errorf("expected revoked token to fail, got %v", err)
	}
}

func testConcurrentConsume(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "race@example.org")
	now := base.Add(time.Minute)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeByToken(ctx, c.Token, "racer", now)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, invites.ErrInvalidOrExpiredToken) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func testStepsAreMonotonic(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "steps@example.org")

	if err := s.MarkCertIssued(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPRCreated(ctx, c.ID, 42, "steps"); err != nil {
		t.Fatal(err)
	}
	// Repeating a setter is a no-op.
	if err := s.MarkCertIssued(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPRMerged(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkEmailSent(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	at := base.Add(3 * time.Hour)
	if err := s.MarkCertVerified(ctx, c.ID, at); err != nil {
		t.Fatal(err)
	}

	inv := mustFind(t, ctx, s, c.ID)
	want := invites.StepCertIssued | invites.StepPRCreated | invites.StepPRMerged |
		invites.StepEmailSent | invites.StepCertVerified
	if inv.Steps != want {
		t.Errorf("expected steps %s, got %s", want, inv.Steps)
	}
	if inv.PRNumber != 42 || inv.CertUsername != "steps" {
		t.Errorf("expected pr 42 for steps, got %d %q", inv.PRNumber, inv.CertUsername)
	}
	if inv.CertVerifiedAt == nil || !inv.CertVerifiedAt.Equal(at) {
		t.Errorf("expected cert verified at %v, got %v", at, inv.CertVerifiedAt)
	}

	if err := s.ClearReconcileError(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if mustFind(t, ctx, s, c.ID).Steps != want {
		t.Error("ClearReconcileError must not touch steps")
	}

	if err := s.MarkCertIssued(ctx, "missing"); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testRevokeUnmerged(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "gina@example.org")
	if err := s.Revoke(ctx, c.ID); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if got := mustFind(t, ctx, s, c.ID).State(); got != (invites.Revoked{}) {
		t.Errorf("expected revoked, got %v", got)
	}
	if err := s.Revoke(ctx, c.ID); !errors.Is(err, invites.ErrNotFoundOrAlreadyUsed) {
		t.Errorf("expected second revoke to fail, got %v", err)
	}
	if err := s.Revoke(ctx, "missing"); !errors.Is(err, invites.ErrNotFoundOrAlreadyUsed) {
		t.Errorf("expected ErrNotFoundOrAlreadyUsed for missing, got %v", err)
	}

	used := mustCreate(t, ctx, s, "hank@example.org")
	if _, err := s.ConsumeByToken(ctx, used.Token, "hank", base); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, used.ID); !errors.Is(err, invites.ErrNotFoundOrAlreadyUsed) {
		t.Errorf("expected used invite revoke to fail, got %v", err)
	}
	if err := s.MarkRevoking(ctx, used.ID); !errors.Is(err, invites.ErrNotFoundOrAlreadyUsed) {
		t.Errorf("expected used invite MarkRevoking to fail, got %v", err)
	}

	merged := mustCreate(t, ctx, s, "iris@example.org")
	if err := s.MarkPRMerged(ctx, merged.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, merged.ID); !errors.Is(err, invites.ErrNotFoundOrAlreadyUsed) {
		t.Errorf("expected merged invite revoke to fail, got %v", err)
	}
	if got := mustFind(t, ctx, s, merged.ID).State(); got != (invites.Pending{}) {
		t.Errorf("expected merged invite to stay pending, got %v", got)
	}
}

func testRevokingFlow(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "ivy@example.org")
	for _, mark := range []func(context.Context, string) error{s.MarkCertIssued, s.MarkPRMerged} {
		if err := mark(ctx, c.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkPRCreated(ctx, c.ID, 7, "ivy"); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkRevoking(ctx, c.ID); err != nil {
		t.Fatalf("MarkRevoking failed: %v", err)
	}
	if err := s.MarkRevoking(ctx, c.ID); err != nil {
		t.Errorf("MarkRevoking should be idempotent, got %v", err)
	}
	if got := mustFind(t, ctx, s, c.ID).State(); got != (invites.Revoking{}) {
		t.Errorf("expected revoking without PR, got %v", got)
	}

	// A revoking invite cannot be consumed.
	if _, err := s.ConsumeByToken(ctx, c.Token, "ivy", base); !errors.Is(err, invites.ErrInvalidOrExpiredToken) {
		t.Errorf("expected consume of revoking invite to fail, got %v", err)
	}

	if err := s.MarkRevertPRCreated(ctx, c.ID, 99); err != nil {
		t.Fatal(err)
	}
	awaiting, err := s.FindAwaitingRevertMerge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ids(awaiting)[c.ID] {
		t.Error("expected invite in FindAwaitingRevertMerge")
	}
	if got := mustFind(t, ctx, s, c.ID).State(); got != (invites.Revoking{RevertPR: 99}) {
		t.Errorf("expected revoking(#99), got %v", got)
	}

	if err := s.MarkRevertPRMerged(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	inv := mustFind(t, ctx, s, c.ID)
	if inv.State() != (invites.Revoked{}) || !inv.Has(invites.StepRevertPRMerged) {
		t.Errorf("expected revoked with revert merged, got %v %s", inv.State(), inv.Steps)
	}
	awaiting, _ = s.FindAwaitingRevertMerge(ctx)
	if ids(awaiting)[c.ID] {
		t.Error("revoked invite must leave FindAwaitingRevertMerge")
	}
}

func testAwaitingQueries(t *testing.T, ctx context.Context, s invites.Store) {
	fresh := mustCreate(t, ctx, s, "fresh@example.org")

	awaitMerge := mustCreate(t, ctx, s, "merge@example.org")
	s.MarkCertIssued(ctx, awaitMerge.ID)
	s.MarkPRCreated(ctx, awaitMerge.ID, 1, "merge")

	sent := mustCreate(t, ctx, s, "sent@example.org")
	s.MarkCertIssued(ctx, sent.ID)
	s.MarkPRCreated(ctx, sent.ID, 2, "sent")
	s.MarkPRMerged(ctx, sent.ID)
	s.MarkEmailSent(ctx, sent.ID)

	accepted := mustCreate(t, ctx, s, "accepted@example.org")
	s.MarkPRCreated(ctx, accepted.ID, 3, "accepted")
	s.MarkPRMerged(ctx, accepted.ID)
	s.MarkEmailSent(ctx, accepted.ID)
	if _, err := s.ConsumeByToken(ctx, accepted.Token, "accepted", base); err != nil {
		t.Fatal(err)
	}

	failed := mustCreate(t, ctx, s, "failed@example.org")
	s.MarkPRCreated(ctx, failed.ID, 4, "failed")
	if err := s.MarkFailed(ctx, failed.ID, "boom", base); err != nil {
		t.Fatal(err)
	}

	now := base.Add(time.Minute)

	pending, err := s.FindPending(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	got := ids(pending)
	for _, id := range []string{fresh.ID, awaitMerge.ID, sent.ID} {
		if !got[id] {
			t.Errorf("expected %s in FindPending", id)
		}
	}
	if got[accepted.ID] || got[failed.ID] {
		t.Error("accepted and failed invites must not be pending")
	}
	if p, _ := s.FindPending(ctx, base.Add(invites.DefaultTTL+time.Second)); len(p) != 0 {
		t.Errorf("expected no pending after expiry, got %d", len(p))
	}

	merge, err := s.FindAwaitingMerge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(merge); len(got) != 1 || !got[awaitMerge.ID] {
		t.Errorf("expected only %s awaiting merge, got %v", awaitMerge.ID, got)
	}

	verify, err := s.FindAwaitingCertVerification(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(verify); len(got) != 2 || !got[sent.ID] || !got[accepted.ID] {
		t.Errorf("expected sent and accepted awaiting verification, got %v", got)
	}

	failedList, err := s.FindFailed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(failedList); len(got) != 1 || !got[failed.ID] {
		t.Errorf("expected only %s failed, got %v", failed.ID, got)
	}

	// Clearing brings the failed invite back to discovery.
	if err := s.ClearReconcileError(ctx, failed.ID); err != nil {
		t.Fatal(err)
	}
	merge, _ = s.FindAwaitingMerge(ctx)
	if !ids(merge)[failed.ID] {
		t.Error("expected cleared invite in FindAwaitingMerge")
	}
}

func testFailureCeiling(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "ceiling@example.org")

	for i := 1; i < invites.DefaultFailureCeiling; i++ {
		if err := s.RecordReconcileError(ctx, c.ID, "merge blocked", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	inv := mustFind(t, ctx, s, c.ID)
	if inv.ReconcileAttempts != invites.DefaultFailureCeiling-1 || inv.Failed() {
		t.Fatalf("expected %d attempts and not failed, got %d failed=%v",
			invites.DefaultFailureCeiling-1, inv.ReconcileAttempts, inv.Failed())
	}
	if inv.LastError != "merge blocked" || inv.LastReconcileAt == nil {
		t.Errorf("expected last error and timestamp, got %q %v", inv.LastError, inv.LastReconcileAt)
	}

	at := base.Add(time.Hour)
	if err := s.RecordReconcileError(ctx, c.ID, "still blocked", at); err != nil {
		t.Fatal(err)
	}
	inv = mustFind(t, ctx, s, c.ID)
	if !inv.Failed() || !inv.FailedAt.Equal(at) {
		t.Errorf("expected failed at %v, got %v", at, inv.FailedAt)
	}

	if err := s.ClearReconcileError(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	inv = mustFind(t, ctx, s, c.ID)
	if inv.ReconcileAttempts != 0 || inv.LastError != "" || inv.Failed() {
		t.Errorf("expected cleared bookkeeping, got %d %q %v", inv.ReconcileAttempts, inv.LastError, inv.FailedAt)
	}
}

func testRecordAttempt(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "attempts@example.org")
	window := 15 * time.Minute

	for i := 1; i <= 3; i++ {
		n, err := s.RecordAttempt(ctx, c.ID, base.Add(time.Duration(i)*time.Minute), window)
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Errorf("attempt %d: expected count %d, got %d", i, i, n)
		}
	}

	n, err := s.RecordAttempt(ctx, c.ID, base.Add(time.Hour), window)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected counter reset after window, got %d", n)
	}

	if _, err := s.RecordAttempt(ctx, "missing", base, window); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testRotateToken(t *testing.T, ctx context.Context, s invites.Store) {
	c := mustCreate(t, ctx, s, "rotate@example.org")
	s.RecordAttempt(ctx, c.ID, base, time.Hour)

	now := base.Add(24 * time.Hour)
	rotated, err := s.RotateToken(ctx, c.ID, now, 48*time.Hour)
	if err != nil {
		t.Fatalf("RotateToken failed: %v", err)
	}
	if rotated.Token == c.Token || rotated.ID != c.ID {
		t.Errorf("expected a new token for the same invite, got %+v", rotated)
	}
	if !rotated.ExpiresAt.Equal(now.Add(48 * time.Hour)) {
		t.Errorf("expected new expiry, got %v", rotated.ExpiresAt)
	}

	if old, _ := s.FindByTokenHash(ctx, invites.HashToken(c.Token)); old != nil {
		t.Error("old token must no longer resolve")
	}
	inv, _ := s.FindByTokenHash(ctx, invites.HashToken(rotated.Token))
	if inv == nil || inv.ID != c.ID || inv.Attempts != 0 {
		t.Errorf("expected rotated invite with reset attempts, got %+v", inv)
	}
	if _, err := s.ConsumeByToken(ctx, c.Token, "rotate", now); !errors.Is(err, invites.ErrInvalidOrExpiredToken) {
		t.Errorf("old token must not consume, got %v", err)
	}
	if _, err := s.ConsumeByToken(ctx, rotated.Token, "rotate", now); err != nil {
		t.Errorf("new token must consume, got %v", err)
	}

	if _, err := s.RotateToken(ctx, c.ID, now, time.Hour); !errors.Is(err, invites.ErrNotFoundOrAlreadyUsed) {
		t.Errorf("expected used invite rotate to fail, got %v", err)
	}
	if _, err := s.RotateToken(ctx, "missing", now, time.Hour); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testExpiredAndDelete(t *testing.T, ctx context.Context, s invites.Store) {
	in := newInvite("old@example.org")
	in.TTL = time.Hour
	old := mustCreateWith(t, ctx, s, in)

	in2 := newInvite("oldmerged@example.org")
	in2.TTL = time.Hour
	merged := mustCreateWith(t, ctx, s, in2)
	s.MarkPRMerged(ctx, merged.ID)

	fresh := mustCreate(t, ctx, s, "new@example.org")

	expired, err := s.FindExpired(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	got := ids(expired)
	if !got[old.ID] || got[merged.ID] || got[fresh.ID] {
		t.Errorf("unexpected expired set %v", got)
	}

	if err := s.Delete(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindByID(ctx, old.ID); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, old.ID); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func testRevocations(t *testing.T, ctx context.Context, s invites.Store) {
	first := &invites.Revocation{
		Email: "gone@example.org", Username: "gone", Reason: "left",
		RevokedBy: "ops", RevokedAt: base, RevertPRNumber: 5,
	}
	if err := s.RecordRevocation(ctx, first); err != nil {
		t.Fatal(err)
	}
	if first.ID == "" {
		t.Error("expected generated id")
	}
	second := &invites.Revocation{
		Email: "gone@example.org", Username: "gone", Reason: "again",
		RevokedBy: "ops", RevokedAt: base.Add(time.Hour),
	}
	if err := s.RecordRevocation(ctx, second); err != nil {
		t.Fatal(err)
	}

	all, err := s.FindRevocations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[1].RevertPRNumber != 5 || !all[1].RevokedAt.Equal(base) {
		t.Errorf("unexpected audit row %+v", all[1])
	}

	r, err := s.FindRevocationByEmail(ctx, "gone@example.org")
	if err != nil || r == nil || r.Reason != "again" {
		t.Errorf("expected newest revocation, got %+v %v", r, err)
	}
	none, err := s.FindRevocationByEmail(ctx, "other@example.org")
	if err != nil || none != nil {
		t.Errorf("expected nil, nil, got %+v %v", none, err)
	}

	if err := s.DeleteRevocation(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRevocation(ctx, second.ID); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	all, _ = s.FindRevocations(ctx)
	if len(all) != 1 {
		t.Errorf("expected one remaining row, got %d", len(all))
	}
}
