// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package maintenance runs the scheduled sweep that removes long-expired,
// never-merged invites together with their certificate and branch.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/lease"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

// LeaseName is the lease held while a sweep runs.
const LeaseName = "maintenance"

// Config holds sweep settings.
type Config struct {
	Schedule  string
	Retention time.Duration
	LeaseTTL  time.Duration
	Holder    string
}

// Deps are the collaborators of the sweeper. Locker may be nil.
type Deps struct {
	Store   invites.Store
	Issuer  capabilities.CertIssuer
	Gateway capabilities.CodeReviewGateway
	Locker  lease.Locker
}

// Sweeper deletes invites that expired more than Retention ago.
type Sweeper struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	schedule cron.Schedule
	cron     *cron.Cron
	stopOnce sync.Once
}

// New validates the schedule and builds a sweeper. Call Start to schedule it.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if deps.Locker == nil {
		deps.Locker = lease.Noop{}
	}
	sched, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}

	logger = logutil.NoopIfNil(logger)
	cl := cronLogger{logger: logger}
	return &Sweeper{
		deps:     deps,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		schedule: sched,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}, nil
}

// Start schedules the sweep. Runs use ctx until it is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("maintenance sweep failed", "error", err)
		}
	}))
	s.cron.Start()
	s.logger.Info("maintenance scheduled", "schedule", s.cfg.Schedule, "retention", s.cfg.Retention)
}

// Stop unschedules the sweep and waits for a running one to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// Sweep deletes every invite that is pending, unused, never merged and expired
// before now minus the retention. Cleanup of the certificate, PR and branch is
// best effort. It returns the number of invites deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	acquired, err := s.deps.Locker.TryAcquire(ctx, LeaseName, s.cfg.Holder, s.cfg.LeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire maintenance lease: %w", err)
	}
	if !acquired {
		s.logger.Debug("maintenance lease held elsewhere, skipping sweep")
		return 0, nil
	}
	defer func() {
		if err := s.deps.Locker.Release(context.WithoutCancel(ctx), LeaseName, s.cfg.Holder); err != nil {
			s.logger.Warn("failed to release maintenance lease", "error", err)
		}
	}()

	cutoff := s.now().Add(-s.cfg.Retention)
	expired, err := s.deps.Store.FindExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired invites: %w", err)
	}

	deleted := 0
	var errs []error
	for _, inv := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ictx, logger := appctx.WithInvite(ctx, s.logger, inv.ID)
		s.cleanup(ictx, logger, inv)
		if err := s.deps.Store.Delete(ictx, inv.ID); err != nil {
			if errors.Is(err, invites.ErrNotFound) {
				continue
			}
			logger.Error("failed to delete expired invite", "error", err)
			errs = append(errs, err)
			continue
		}
		deleted++
		logger.Info("expired invite deleted", "expired_at", inv.ExpiresAt)
	}

	if deleted > 0 || len(errs) > 0 {
		s.logger.Info("maintenance sweep finished", "deleted", deleted, "errors", len(errs), "cutoff", cutoff)
	}
	return deleted, errors.Join(errs...)
}

func (s *Sweeper) cleanup(ctx context.Context, logger *slog.Logger, inv *invites.Invite) {
	if inv.Has(invites.StepCertIssued) {
		if err := s.deps.Issuer.DeleteSecret(ctx, inv.ID); err != nil {
			logger.Warn("failed to delete certificate secret", "error", err)
		}
	}
	if inv.Has(invites.StepPRCreated) && inv.PRNumber > 0 {
		if err := s.deps.Gateway.Close(ctx, inv.PRNumber); err != nil {
			logger.Warn("failed to close pull request", "pr", inv.PRNumber, "error", err)
		}
		if err := s.deps.Gateway.DeleteBranch(ctx, inv.ID); err != nil {
			logger.Warn("failed to delete branch", "error", err)
		}
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
