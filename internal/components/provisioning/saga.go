// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package provisioning drives an invite through certificate issuance, the
// config pull request and the invite email. Every step is persisted before
// the next one starts, so a redelivered event resumes where the last run
// stopped.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/events"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/retry"
)

// Config holds saga settings.
type Config struct {
	StepRetries int
	RetryDelay  time.Duration
	// InviteTTL is the lifetime of a token issued by Resend.
	InviteTTL time.Duration
}

// Deps are the collaborators of the saga.
type Deps struct {
	Store    invites.Store
	Issuer   capabilities.CertIssuer
	Gateway  capabilities.CodeReviewGateway
	Notifier capabilities.Notifier
	Sink     capabilities.EventSink
}

// Saga runs provisioning for one invite at a time per id.
type Saga struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	flight singleflight.Group
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Saga {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = invites.DefaultTTL
	}
	return &Saga{
		deps:   deps,
		cfg:    cfg,
		logger: logutil.NoopIfNil(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle is the events.Handler for invite.created.
func (s *Saga) Handle(ctx context.Context, ev capabilities.Event) error {
	id := ev.Payload["invite_id"]
	if id == "" {
		s.logger.Warn("dropping event without invite_id", "type", ev.Type, "event_id", ev.ID)
		return nil
	}
	return s.Run(ctx, id)
}

// Run executes every runnable step for the invite. Concurrent calls for the
// same id share one execution.
func (s *Saga) Run(ctx context.Context, id string) error {
	_, err, shared := s.flight.Do(id, func() (any, error) {
		return nil, s.run(ctx, id)
	})
	if shared {
		s.logger.Debug("coalesced duplicate provisioning run", "invite_id", id)
	}
	return err
}

func (s *Saga) run(ctx context.Context, id string) error {
	ctx, logger := appctx.WithInvite(ctx, s.logger, id)
	skipped := make(map[Action]bool)

	for {
		inv, err := s.deps.Store.FindByID(ctx, id)
		if errors.Is(err, invites.ErrNotFound) {
			logger.Warn("invite no longer exists, dropping provisioning run")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load invite: %w", err)
		}

		action := Next(inv, skipped)
		if action == ActionNone {
			logger.Debug("provisioning idle", "state", inv.State().String(), "steps", inv.Steps.String())
			return nil
		}

		effect, err := s.execute(ctx, inv, action)
		if err != nil {
			if action == ActionCreatePR {
				logger.Warn("pull request creation failed, skipping for this run", "error", err)
				skipped[action] = true
				continue
			}
			return fmt.Errorf("%s: %w", action, err)
		}

		if err := s.persist(ctx, id, effect); err != nil {
			return fmt.Errorf("%s: failed to persist: %w", action, err)
		}
		logger.Info("provisioning step completed", "step", action.String())
	}
}

func (s *Saga) execute(ctx context.Context, inv *invites.Invite, action Action) (Effect, error) {
	switch action {
	case ActionIssueCert:
		err := s.withRetry(ctx, "issue certificate", func() error {
			_, err := s.deps.Issuer.Issue(ctx, inv.Email, inv.ID)
			return err
		})
		return Effect{Steps: invites.StepCertIssued}, err

	case ActionCreatePR:
		username := invites.DeriveUsername(inv.Email)
		pr, err := s.deps.Gateway.CreateCertPR(ctx, inv.ID, inv.Email, username)
		if err != nil {
			return Effect{}, err
		}
		if pr.DerivedUsername != "" {
			username = pr.DerivedUsername
		}
		return Effect{Steps: invites.StepPRCreated, PRNumber: pr.Number, CertUsername: username}, nil

	case ActionSendEmail:
		err := s.withRetry(ctx, "send invite email", func() error {
			return s.sendInvite(ctx, inv)
		})
		return Effect{Steps: invites.StepEmailSent}, err
	}
	return Effect{}, fmt.Errorf("unknown action %d", action)
}

// persist commits each flag of the effect. Setters are idempotent, so a
// partially persisted effect is completed by the next run.
func (s *Saga) persist(ctx context.Context, id string, e Effect) error {
	if e.Steps.Has(invites.StepCertIssued) {
		if err := s.deps.Store.MarkCertIssued(ctx, id); err != nil {
			return err
		}
	}
	if e.Steps.Has(invites.StepPRCreated) {
		if err := s.deps.Store.MarkPRCreated(ctx, id, e.PRNumber, e.CertUsername); err != nil {
			return err
		}
	}
	if e.Steps.Has(invites.StepEmailSent) {
		if err := s.deps.Store.MarkEmailSent(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// sendInvite fetches the bundle again (Issue is idempotent per invite id)
// and emails it with the invite's current token.
func (s *Saga) sendInvite(ctx context.Context, inv *invites.Invite) error {
	bundle, err := s.deps.Issuer.Issue(ctx, inv.Email, inv.ID)
	if err != nil {
		return fmt.Errorf("fetch bundle: %w", err)
	}
	return s.deps.Notifier.SendInviteEmail(ctx, capabilities.InviteEmail{
		Email:     inv.Email,
		Token:     inv.Token,
		InvitedBy: inv.InvitedBy,
		Bundle:    bundle,
		Locale:    inv.Locale,
	})
}

func (s *Saga) withRetry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(ctx, retry.Policy{Retries: s.cfg.StepRetries, Delay: s.cfg.RetryDelay},
		appctx.GetLogger(ctx), op, func() error {
			err := fn()
			if errors.Is(err, invites.ErrPermanentFailure) {
				return retry.Permanent(err)
			}
			return err
		})
}

// Resend issues a new token. When the config PR is merged the invite email
// goes out immediately; otherwise the provisioning event is emitted again so
// a missing PR is retried.
func (s *Saga) Resend(ctx context.Context, id string) (*invites.Created, error) {
	ctx, logger := appctx.WithInvite(ctx, s.logger, id)

	created, err := s.deps.Store.RotateToken(ctx, id, s.now(), s.cfg.InviteTTL)
	if err != nil {
		return nil, err
	}
	inv, err := s.deps.Store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !inv.Has(invites.StepPRMerged) {
		s.deps.Sink.Emit(ctx, events.InviteCreated(id, "resend"))
		logger.Info("invite token rotated, provisioning re-triggered")
		return created, nil
	}

	if err := s.withRetry(ctx, "resend invite email", func() error {
		return s.sendInvite(ctx, inv)
	}); err != nil {
		return nil, fmt.Errorf("failed to resend invite email: %w", err)
	}
	if err := s.deps.Store.MarkEmailSent(ctx, id); err != nil {
		return nil, err
	}
	logger.Info("invite email resent")
	return created, nil
}

// Retry clears the reconciler's failure bookkeeping and re-triggers provisioning.
func (s *Saga) Retry(ctx context.Context, id string) error {
	ctx, logger := appctx.WithInvite(ctx, s.logger, id)

	if _, err := s.deps.Store.FindByID(ctx, id); err != nil {
		return err
	}
	if err := s.deps.Store.ClearReconcileError(ctx, id); err != nil {
		return err
	}
	s.deps.Sink.Emit(ctx, events.InviteCreated(id, "retry"))
	logger.Info("invite retry requested")
	return nil
}

// RenewCert issues a fresh bundle for an existing user and emails it.
func (s *Saga) RenewCert(ctx context.Context, email, locale string) error {
	normalized, err := invites.NormalizeEmail(email)
	if err != nil {
		return err
	}
	requestID := "renew-" + invites.NewID()
	logger := s.logger.With("request_id", requestID)

	var bundle *capabilities.CertBundle
	if err := s.withRetry(ctx, "issue renewal certificate", func() error {
		var err error
		bundle, err = s.deps.Issuer.Issue(ctx, normalized, requestID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to issue certificate: %w", err)
	}

	if err := s.withRetry(ctx, "send renewal email", func() error {
		return s.deps.Notifier.SendCertRenewalEmail(ctx, normalized, bundle, locale)
	}); err != nil {
		return fmt.Errorf("failed to send renewal email: %w", err)
	}
	logger.Info("certificate renewal sent")
	return nil
}
