// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package reconciler completes invites that wait on external progress:
// merged config PRs, deployed certificates and merged revert PRs.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/lease"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

// LeaseName is the lease that serialises cycles across instances.
const LeaseName = "reconciler"

// ErrLeaseHeld is returned by Trigger when another instance holds the lease.
var ErrLeaseHeld = errors.New("reconciler lease held by another instance")

// Config holds loop settings.
type Config struct {
	Interval       time.Duration
	InitialDelay   time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	FailureCeiling int
	LeaseTTL       time.Duration
	// Holder identifies this instance to the lease.
	Holder string
}

// Deps are the collaborators of the loop.
type Deps struct {
	Store    invites.Store
	Issuer   capabilities.CertIssuer
	Gateway  capabilities.CodeReviewGateway
	Notifier capabilities.Notifier
	Locker   lease.Locker
}

// Stats summarises one cycle.
type Stats struct {
	Merged   int `json:"merged"`
	Emailed  int `json:"emailed"`
	Verified int `json:"verified"`
	Revoked  int `json:"revoked"`
	Deferred int `json:"deferred"`
	Errors   int `json:"errors"`
	Failed   int `json:"failed"`
}

func (s Stats) changed() bool {
	return s.Merged+s.Emailed+s.Verified+s.Revoked+s.Errors+s.Failed > 0
}

// Loop is a spaced, non-overlapping reconciliation loop.
type Loop struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// mu serialises cycles between the loop and the admin trigger. It is
	// held across the lease so one release never ends another cycle's lease.
	mu sync.Mutex

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.FailureCeiling <= 0 {
		cfg.FailureCeiling = invites.DefaultFailureCeiling
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lease.Noop{}
	}
	return &Loop{
		deps:   deps,
		cfg:    cfg,
		logger: logutil.NoopIfNil(logger).With("component", "reconciler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Backoff returns min(2^attempts * base, max).
func Backoff(attempts int, base, maxDelay time.Duration) time.Duration {
	d := base
	for i := 0; i < attempts && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}

// Start runs the loop in the background until ctx is done or Stop is called.
// The next cycle is scheduled only after the previous one returns.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		timer := time.NewTimer(l.cfg.InitialDelay)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			l.cycle(ctx)
			timer.Reset(l.cfg.Interval)
		}
	}()
	l.logger.Info("reconciler started", "interval", l.cfg.Interval, "initial_delay", l.cfg.InitialDelay)
}

// Stop cancels the loop and waits for the current cycle to return.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel == nil {
			return
		}
		l.cancel()
		<-l.done
		l.logger.Info("reconciler stopped")
	})
}

// cycle runs one lease-guarded pass set. Errors and panics are logged once
// and never end the loop.
func (l *Loop) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("reconcile cycle panicked", "panic", fmt.Sprint(r))
		}
	}()

	stats, err := l.Trigger(ctx)
	if errors.Is(err, ErrLeaseHeld) {
		l.logger.Debug("reconciler lease held by another instance, skipping cycle")
		return
	}
	if err != nil {
		l.logger.Error("reconcile cycle failed", "error", err)
	}
	if stats.changed() {
		l.logger.Info("reconcile cycle completed", "stats", stats)
	} else {
		l.logger.Debug("reconcile cycle completed", "deferred", stats.Deferred)
	}
}

// Trigger runs the passes once under the reconciler lease. It returns
// ErrLeaseHeld without touching any invite when another instance holds it.
func (l *Loop) Trigger(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acquired, err := l.deps.Locker.TryAcquire(ctx, LeaseName, l.cfg.Holder, l.cfg.LeaseTTL)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to acquire reconciler lease: %w", err)
	}
	if !acquired {
		return Stats{}, ErrLeaseHeld
	}
	defer func() {
		if err := l.deps.Locker.Release(context.WithoutCancel(ctx), LeaseName, l.cfg.Holder); err != nil {
			l.logger.Warn("failed to release reconciler lease", "error", err)
		}
	}()
	return l.passes(ctx)
}

// RunOnce runs the passes once without the lease. A per-invite failure never
// aborts a pass; the returned error only reports failed discovery queries.
func (l *Loop) RunOnce(ctx context.Context) (Stats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.passes(ctx)
}

func (l *Loop) passes(ctx context.Context) (Stats, error) {
	var stats Stats
	errMerge := l.mergePass(ctx, &stats)
	errVerify := l.verifyPass(ctx, &stats)
	errRevert := l.revertPass(ctx, &stats)
	return stats, errors.Join(errMerge, errVerify, errRevert)
}

// due applies the persisted backoff gate.
func (l *Loop) due(inv *invites.Invite, now time.Time) bool {
	if inv.LastReconcileAt == nil {
		return true
	}
	return now.Sub(*inv.LastReconcileAt) >= Backoff(inv.ReconcileAttempts, l.cfg.BackoffBase, l.cfg.BackoffMax)
}

// ensureMerged reports whether PR n is merged, merging it when possible.
// A blocked PR is not an error.
func (l *Loop) ensureMerged(ctx context.Context, n int) (bool, error) {
	merged, err := l.deps.Gateway.CheckMerged(ctx, n)
	if err != nil || merged {
		return merged, err
	}
	if err := l.deps.Gateway.Merge(ctx, n); err != nil {
		if errors.Is(err, capabilities.ErrNotMergeable) {
			return false, nil
		}
		return false, err
	}
	return l.deps.Gateway.CheckMerged(ctx, n)
}

// recordError bumps the invite's bookkeeping, marking it failed at the ceiling.
func (l *Loop) recordError(ctx context.Context, inv *invites.Invite, cause error, stats *Stats) {
	logger := appctx.GetLogger(ctx)
	now := l.now()
	msg := cause.Error()

	if inv.ReconcileAttempts+1 >= l.cfg.FailureCeiling {
		if err := l.deps.Store.MarkFailed(ctx, inv.ID, msg, now); err != nil {
			logger.Error("failed to mark invite failed", "error", err)
			return
		}
		stats.Failed++
		logger.Error("invite marked failed", "attempts", inv.ReconcileAttempts+1, "error", cause)
		return
	}
	if err := l.deps.Store.RecordReconcileError(ctx, inv.ID, msg, now); err != nil {
		logger.Error("failed to record reconcile error", "error", err)
		return
	}
	stats.Errors++
	logger.Warn("reconcile attempt failed", "attempts", inv.ReconcileAttempts+1, "error", cause)
}

func (l *Loop) mergePass(ctx context.Context, stats *Stats) error {
	awaiting, err := l.deps.Store.FindAwaitingMerge(ctx)
	if err != nil {
		return fmt.Errorf("failed to list invites awaiting merge: %w", err)
	}
	for _, inv := range awaiting {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ictx, _ := appctx.WithInvite(ctx, l.logger, inv.ID)
		if !l.due(inv, l.now()) {
			stats.Deferred++
			continue
		}
		if err := l.mergeAndNotify(ictx, inv, stats); err != nil {
			l.recordError(ictx, inv, err, stats)
		}
	}
	return nil
}

func (l *Loop) mergeAndNotify(ctx context.Context, inv *invites.Invite, stats *Stats) error {
	merged, err := l.ensureMerged(ctx, inv.PRNumber)
	if err != nil {
		return fmt.Errorf("merge PR #%d: %w", inv.PRNumber, err)
	}
	if !merged {
		appctx.GetLogger(ctx).Debug("pull request not merged yet", "pr", inv.PRNumber)
		return nil
	}

	if !inv.Has(invites.StepPRMerged) {
		if err := l.deps.Store.MarkPRMerged(ctx, inv.ID); err != nil {
			return err
		}
		stats.Merged++
	}

	bundle, err := l.deps.Issuer.Issue(ctx, inv.Email, inv.ID)
	if err != nil {
		return fmt.Errorf("fetch bundle: %w", err)
	}
	if err := l.deps.Notifier.SendInviteEmail(ctx, capabilities.InviteEmail{
		Email:     inv.Email,
		Token:     inv.Token,
		InvitedBy: inv.InvitedBy,
		Bundle:    bundle,
		Locale:    inv.Locale,
	}); err != nil {
		return fmt.Errorf("send invite email: %w", err)
	}
	if err := l.deps.Store.MarkEmailSent(ctx, inv.ID); err != nil {
		return err
	}
	stats.Emailed++
	appctx.GetLogger(ctx).Info("invite email sent after merge", "pr", inv.PRNumber)

	if err := l.deps.Store.ClearReconcileError(ctx, inv.ID); err != nil {
		appctx.GetLogger(ctx).Warn("failed to clear reconcile bookkeeping", "error", err)
	}
	return nil
}

func (l *Loop) verifyPass(ctx context.Context, stats *Stats) error {
	awaiting, err := l.deps.Store.FindAwaitingCertVerification(ctx)
	if err != nil {
		return fmt.Errorf("failed to list invites awaiting cert verification: %w", err)
	}
	for _, inv := range awaiting {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger := l.logger.With("invite_id", inv.ID)
		ok, err := l.deps.Issuer.CheckProcessed(ctx, inv.CertUsername)
		if err != nil {
			logger.Debug("certificate check failed", "username", inv.CertUsername, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := l.deps.Store.MarkCertVerified(ctx, inv.ID, l.now()); err != nil {
			logger.Warn("failed to mark certificate verified", "error", err)
			continue
		}
		stats.Verified++
		logger.Info("certificate deployment verified", "username", inv.CertUsername)
	}
	return nil
}

func (l *Loop) revertPass(ctx context.Context, stats *Stats) error {
	awaiting, err := l.deps.Store.FindAwaitingRevertMerge(ctx)
	if err != nil {
		return fmt.Errorf("failed to list invites awaiting revert merge: %w", err)
	}
	for _, inv := range awaiting {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ictx, logger := appctx.WithInvite(ctx, l.logger, inv.ID)
		if !l.due(inv, l.now()) {
			stats.Deferred++
			continue
		}

		merged, err := l.ensureMerged(ictx, inv.RevertPRNumber)
		if err != nil {
			l.recordError(ictx, inv, fmt.Errorf("merge revert PR #%d: %w", inv.RevertPRNumber, err), stats)
			continue
		}
		if !merged {
			continue
		}
		if err := l.deps.Store.MarkRevertPRMerged(ictx, inv.ID); err != nil {
			l.recordError(ictx, inv, err, stats)
			continue
		}
		stats.Revoked++
		logger.Info("revert merged, invite revoked", "pr", inv.RevertPRNumber)
	}
	return nil
}
