// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities/capabilitiestest"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	_ "github.com/MahdiBaghbani/onboarding-go/internal/components/invites/jsonstore"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites/storetest"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_Delivers(t *testing.T) {
	bus := New(Config{Workers: 2, Buffer: 4}, nil)
	var got atomic.Value
	bus.Subscribe(capabilities.EventInviteCreated, func(ctx context.Context, ev capabilities.Event) error {
		got.Store(ev.Payload["invite_id"])
		return nil
	})
	bus.Start(context.Background())
	defer bus.Stop()

	bus.Emit(context.Background(), InviteCreated("inv-1", "test"))
	waitFor(t, func() bool { return got.Load() == "inv-1" })
}

func TestBus_AssignsID(t *testing.T) {
	bus := New(Config{}, nil)
	ids := make(chan string, 1)
	bus.Subscribe("custom", func(ctx context.Context, ev capabilities.Event) error {
		ids <- ev.ID
		return nil
	})
	bus.Start(context.Background())
	defer bus.Stop()

	bus.Emit(context.Background(), capabilities.Event{Type: "custom"})
	select {
	case id := <-ids:
		if id == "" {
			t.Error("expected an assigned event id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_Redelivery(t *testing.T) {
	tests := []struct {
		name      string
		max       int
		failures  int32
		wantCalls int32
	}{
		{"first delivery succeeds", 3, 0, 1},
		{"succeeds on third delivery", 3, 2, 3},
		{"gives up after max deliveries", 3, 10, 3},
		{"single delivery", 1, 10, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := New(Config{MaxDeliveries: tt.max, RetryDelay: time.Millisecond}, nil)
			var calls atomic.Int32
			done := make(chan struct{}, 1)
			bus.Subscribe("x", func(ctx context.Context, ev capabilities.Event) error {
				n := calls.Add(1)
				if n <= tt.failures {
					if n == int32(tt.max) {
						done <- struct{}{}
					}
					return errors.New("transient")
				}
				done <- struct{}{}
				return nil
			})
			bus.Start(context.Background())
			defer bus.Stop()

			bus.Emit(context.Background(), capabilities.Event{Type: "x"})
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("delivery did not finish")
			}
			// Give a runaway redelivery the chance to show up.
			time.Sleep(20 * time.Millisecond)
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestBus_PanicCountsAsFailure(t *testing.T) {
	bus := New(Config{MaxDeliveries: 2, RetryDelay: time.Millisecond}, nil)
	var calls atomic.Int32
	bus.Subscribe("x", func(ctx context.Context, ev capabilities.Event) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	bus.Start(context.Background())
	defer bus.Stop()

	bus.Emit(context.Background(), capabilities.Event{Type: "x"})
	waitFor(t, func() bool { return calls.Load() == 2 })
}

func TestBus_FullBufferDoesNotBlock(t *testing.T) {
	bus := New(Config{Buffer: 1}, nil)
	release := make(chan struct{})
	var calls atomic.Int32
	bus.Subscribe("x", func(ctx context.Context, ev capabilities.Event) error {
		<-release
		calls.Add(1)
		return nil
	})
	bus.Start(context.Background())
	defer bus.Stop()

	emitted := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Emit(context.Background(), capabilities.Event{Type: "x"})
		}
		close(emitted)
	}()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	close(release)
	waitFor(t, func() bool { return calls.Load() == 5 })
}

func TestBus_StopIsIdempotent(t *testing.T) {
	bus := New(Config{}, nil)
	bus.Stop()
	bus.Start(context.Background())
	bus.Stop()
	bus.Stop()

	var calls atomic.Int32
	bus.Subscribe("x", func(ctx context.Context, ev capabilities.Event) error {
		calls.Add(1)
		return nil
	})
	bus.Emit(context.Background(), capabilities.Event{Type: "x"})
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("events emitted after Stop must not be delivered")
	}
}

func TestRedeliver(t *testing.T) {
	_, s := storetest.Open(t, &store.DriverConfig{
		Driver:  "json",
		Options: map[string]any{"data_dir": t.TempDir()},
	})
	ctx := context.Background()
	now := time.Now().UTC()

	create := func(email string) string {
		t.Helper()
		c, err := s.Create(ctx, invites.NewInvite{Email: email, InvitedBy: "root", TTL: time.Hour, Now: now})
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		return c.ID
	}

	fresh := create("fresh@example.org")
	waiting := create("waiting@example.org")
	merged := create("merged@example.org")
	done := create("done@example.org")

	if err := s.MarkPRCreated(ctx, waiting, 7, "waiting"); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{merged, done} {
		if err := s.MarkPRCreated(ctx, id, 8, "x"); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkPRMerged(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkEmailSent(ctx, done); err != nil {
		t.Fatal(err)
	}

	sink := &capabilitiestest.Sink{}
	n, err := Redeliver(ctx, s, sink, now)
	if err != nil {
		t.Fatalf("Redeliver failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}

	want := map[string]bool{fresh: true, merged: true}
	for _, ev := range sink.Events() {
		if ev.Type != capabilities.EventInviteCreated || ev.Source != "redelivery" {
			t.Errorf("unexpected event %+v", ev)
		}
		if !want[ev.Payload["invite_id"]] {
			t.Errorf("unexpected redelivery for %s", ev.Payload["invite_id"])
		}
	}
}
