// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities/capabilitiestest"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	_ "github.com/MahdiBaghbani/onboarding-go/internal/components/invites/jsonstore"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites/storetest"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/cache/memory"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

type harness struct {
	svc       *Service
	store     invites.Store
	directory *capabilitiestest.Directory
	sink      *capabilitiestest.Sink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	_, s := storetest.Open(t, &store.DriverConfig{
		Driver:  "json",
		Options: map[string]any{"data_dir": t.TempDir()},
	})
	c := memory.New(time.Minute, 0)
	t.Cleanup(func() { c.Close() })

	h := &harness{
		store: s,
		directory: capabilitiestest.NewDirectory(
			capabilities.Group{ID: "g-staff", Name: "Staff"},
			capabilities.Group{ID: "g-ops", Name: "Ops"},
		),
		sink: &capabilitiestest.Sink{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	h.svc = New(Deps{Store: s, Directory: h.directory, Sink: h.sink, Cache: c}, Config{InviteTTL: time.Hour}, logger)
	return h
}

func TestCreateInvite(t *testing.T) {
	h := newHarness(t)
	ctx := appctx.WithActor(context.Background(), "root")

	view, err := h.svc.CreateInvite(ctx, CreateRequest{
		Email:  "Alice@Example.ORG",
		Groups: []string{"staff", "g-ops", "Staff"},
		Locale: "de-AT",
	})
	if err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}
	if view.Email != "alice@example.org" || view.Locale != "de" || view.InvitedBy != "root" {
		t.Errorf("unexpected view %+v", view)
	}
	if !reflect.DeepEqual(view.Groups, []string{"Staff", "Ops"}) {
		t.Errorf("expected resolved group names, got %v", view.Groups)
	}
	if view.State != "pending" {
		t.Errorf("expected pending, got %s", view.State)
	}

	inv, err := h.store.FindByID(ctx, view.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(inv.Groups, []string{"g-staff", "g-ops"}) {
		t.Errorf("expected group ids stored, got %v", inv.Groups)
	}

	evs := h.sink.Events()
	if len(evs) != 1 || evs[0].Type != capabilities.EventInviteCreated || evs[0].Payload["invite_id"] != view.ID {
		t.Errorf("expected one invite.created event, got %+v", evs)
	}
}

func TestCreateInvite_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"bad email", CreateRequest{Email: "nope"}, "email"},
		{"unknown locale", CreateRequest{Email: "a@example.org", Locale: "fr"}, "locale"},
		{"unknown group", CreateRequest{Email: "a@example.org", Groups: []string{"admins"}}, "groups"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.CreateInvite(context.Background(), tt.req)
			var verr *invites.ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("expected %s validation error, got %v", tt.field, err)
			}
			if len(h.sink.Events()) != 0 {
				t.Error("no event expected")
			}
		})
	}
}

func TestCreateInvite_DuplicatePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.CreateInvite(ctx, CreateRequest{Email: "bob@example.org"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.CreateInvite(ctx, CreateRequest{Email: "BOB@example.org"}); !errors.Is(err, invites.ErrDuplicatePending) {
		t.Errorf("expected ErrDuplicatePending, got %v", err)
	}
	if len(h.sink.Events()) != 1 {
		t.Error("the rejected invite must not emit")
	}
}

func TestCreateInvite_RevocationGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.store.RecordRevocation(ctx, &invites.Revocation{
		Email: "carol@example.org", Username: "carol", Reason: "abuse", RevokedBy: "root",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := h.svc.CreateInvite(ctx, CreateRequest{Email: "carol@example.org"})
	var perr *invites.PreviouslyRevokedError
	if !errors.As(err, &perr) || perr.Revocation.Reason != "abuse" {
		t.Fatalf("expected PreviouslyRevokedError, got %v", err)
	}
	if !errors.Is(err, invites.ErrPreviouslyRevoked) {
		t.Error("expected ErrPreviouslyRevoked")
	}

	if _, err := h.svc.CreateInvite(ctx, CreateRequest{Email: "carol@example.org", Confirm: true}); err != nil {
		t.Fatalf("expected confirmed invite to succeed, got %v", err)
	}
}

func TestCreateInvite_CachesGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, email := range []string{"a@example.org", "b@example.org", "c@example.org"} {
		if _, err := h.svc.CreateInvite(ctx, CreateRequest{Email: email, Groups: []string{"Ops"}}); err != nil {
			t.Fatal(err)
		}
	}
	if n := h.directory.Count("ListGroups"); n != 1 {
		t.Errorf("expected one directory lookup, got %d", n)
	}
}

func TestCreateInvite_DirectoryFailure(t *testing.T) {
	h := newHarness(t)
	h.directory.FailNext("ListGroups", errors.New("scim 503"))
	if _, err := h.svc.CreateInvite(context.Background(), CreateRequest{Email: "d@example.org", Groups: []string{"Ops"}}); err == nil {
		t.Fatal("expected error")
	}
	if list, _ := h.svc.ListPending(context.Background()); len(list) != 0 {
		t.Error("no invite expected")
	}
}

func TestListings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.svc.CreateInvite(ctx, CreateRequest{Email: "e@example.org"})
	if err != nil {
		t.Fatal(err)
	}
	bad, err := h.svc.CreateInvite(ctx, CreateRequest{Email: "f@example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.store.MarkFailed(ctx, bad.ID, "merge blocked", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	pending, err := h.svc.ListPending(ctx)
	if err != nil || len(pending) != 1 || pending[0].ID != ok.ID {
		t.Errorf("unexpected pending list %v, %v", pending, err)
	}
	failed, err := h.svc.ListFailed(ctx)
	if err != nil || len(failed) != 1 || failed[0].LastError != "merge blocked" {
		t.Errorf("unexpected failed list %v, %v", failed, err)
	}

	if _, err := h.svc.GetInvite(ctx, "missing"); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevocations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rev := &invites.Revocation{Email: "g@example.org", Username: "g", Reason: "left"}
	if err := h.store.RecordRevocation(ctx, rev); err != nil {
		t.Fatal(err)
	}

	list, err := h.svc.ListRevocations(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected revocations %v, %v", list, err)
	}
	if err := h.svc.DeleteRevocation(ctx, list[0].ID); err != nil {
		t.Fatalf("DeleteRevocation failed: %v", err)
	}
	if err := h.svc.DeleteRevocation(ctx, list[0].ID); !errors.Is(err, invites.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.svc.CreateInvite(ctx, CreateRequest{Email: "g@example.org"}); err != nil {
		t.Errorf("expected the gate lifted, got %v", err)
	}
}
