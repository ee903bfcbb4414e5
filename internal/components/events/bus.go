// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package events provides the in-process, at-least-once event bus that
// triggers provisioning runs.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/retry"
)

// Handler processes one event. Returning an error schedules a redelivery.
type Handler func(ctx context.Context, ev capabilities.Event) error

// Config holds bus settings.
type Config struct {
	Workers       int
	Buffer        int
	MaxDeliveries int
	RetryDelay    time.Duration
}

// Bus implements capabilities.EventSink with a buffered queue and a worker pool.
type Bus struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool
	stopped  bool

	queue  chan capabilities.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus. Call Subscribe before Start.
func New(cfg Config, logger *slog.Logger) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 1
	}
	return &Bus{
		cfg:      cfg,
		logger:   logutil.NoopIfNil(logger),
		handlers: make(map[string]Handler),
		queue:    make(chan capabilities.Event, cfg.Buffer),
	}
}

// Subscribe registers the handler for an event type, replacing any previous one.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = h
}

// Start launches the workers. The bus stops when ctx is cancelled or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)

	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.logger.Info("event bus started", "workers", b.cfg.Workers, "buffer", b.cfg.Buffer)
}

// Stop cancels in-flight deliveries and waits for the workers to exit.
// Queued events that were not delivered are dropped; persisted steps and
// start-up redelivery cover them.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("event bus stopped", "dropped", len(b.queue))
}

// Emit enqueues an event without blocking the caller. When the buffer is
// full the event is handed to a dedicated goroutine.
func (b *Bus) Emit(ctx context.Context, ev capabilities.Event) {
	if ev.ID == "" {
		ev.ID = invites.NewID()
	}

	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		b.logger.Warn("event emitted after bus stopped", "type", ev.Type, "event_id", ev.ID)
		return
	}

	select {
	case b.queue <- ev:
	default:
		b.logger.Warn("event buffer full, enqueuing asynchronously", "type", ev.Type, "event_id", ev.ID)
		go func() {
			b.mu.RLock()
			done := b.doneChan()
			b.mu.RUnlock()
			select {
			case b.queue <- ev:
			case <-done:
			}
		}()
	}
}

// doneChan returns the bus context's Done channel, or nil before Start.
// Callers hold b.mu.
func (b *Bus) doneChan() <-chan struct{} {
	if b.ctx == nil {
		return nil
	}
	return b.ctx.Done()
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.queue:
			b.deliver(ev)
		}
	}
}

// deliver runs the handler with retries. A panic counts as a failed attempt.
func (b *Bus) deliver(ev capabilities.Event) {
	b.mu.RLock()
	h, ok := b.handlers[ev.Type]
	b.mu.RUnlock()

	logger := b.logger.With("type", ev.Type, "event_id", ev.ID)
	if !ok {
		logger.Warn("no handler for event type")
		return
	}

	err := retry.Do(b.ctx, retry.Policy{
		Retries: b.cfg.MaxDeliveries - 1,
		Delay:   b.cfg.RetryDelay,
	}, logger, "deliver "+ev.Type, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h(b.ctx, ev)
	})
	if err != nil {
		logger.Error("event delivery failed", "error", err, "max_deliveries", b.cfg.MaxDeliveries)
	}
}

// NeedsProvisioning reports whether an invite's provisioning run is incomplete:
// no PR yet, or merged without the invite email.
func NeedsProvisioning(inv *invites.Invite) bool {
	if !inv.Has(invites.StepPRCreated) {
		return true
	}
	return inv.Has(invites.StepPRMerged) && !inv.Has(invites.StepEmailSent)
}

// InviteCreated builds the event that triggers a provisioning run.
func InviteCreated(inviteID, source string) capabilities.Event {
	return capabilities.Event{
		Type:    capabilities.EventInviteCreated,
		Source:  source,
		ID:      invites.NewID(),
		Payload: map[string]string{"invite_id": inviteID},
	}
}

// Redeliver emits invite.created for every pending invite whose provisioning
// is incomplete. It returns the number of events emitted.
func Redeliver(ctx context.Context, store invites.Store, sink capabilities.EventSink, now time.Time) (int, error) {
	pending, err := store.FindPending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending invites: %w", err)
	}
	n := 0
	for _, inv := range pending {
		if !NeedsProvisioning(inv) {
			continue
		}
		sink.Emit(ctx, InviteCreated(inv.ID, "redelivery"))
		n++
	}
	return n, nil
}

var _ capabilities.EventSink = (*Bus)(nil)
