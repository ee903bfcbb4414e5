// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package revocation withdraws invites and removes provisioned users.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/retry"
)

// Config holds retry settings for the revert pull request.
type Config struct {
	StepRetries int
	RetryDelay  time.Duration
}

// Deps are the collaborators of the saga.
type Deps struct {
	Store     invites.Store
	Issuer    capabilities.CertIssuer
	Gateway   capabilities.CodeReviewGateway
	Directory capabilities.DirectoryService
}

// Saga revokes invites and users.
type Saga struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Saga {
	return &Saga{
		deps:   deps,
		cfg:    cfg,
		logger: logutil.NoopIfNil(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Outcome reports where RevokeInvite left the invite.
type Outcome struct {
	State    invites.State
	RevertPR int
}

// RevokeInvite withdraws an unused invite. Before the config PR is merged the
// invite is cleaned up and revoked at once. After the merge a revert PR is
// opened and the invite stays revoking until the reconciler sees it merged.
func (s *Saga) RevokeInvite(ctx context.Context, id string) (*Outcome, error) {
	ctx, logger := appctx.WithInvite(ctx, s.logger, id)

	inv, err := s.deps.Store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, invites.ErrNotFound) {
			return nil, invites.ErrNotFoundOrAlreadyUsed
		}
		return nil, err
	}

	switch st := inv.State().(type) {
	case invites.Accepted, invites.Revoked:
		return nil, invites.ErrNotFoundOrAlreadyUsed
	case invites.Revoking:
		if inv.Has(invites.StepRevertPRCreated) {
			logger.Info("revocation already in progress", "revert_pr", st.RevertPR)
			return &Outcome{State: st, RevertPR: st.RevertPR}, nil
		}
		return s.revert(ctx, logger, inv)
	}
	if inv.UsedAt != nil {
		return nil, invites.ErrNotFoundOrAlreadyUsed
	}

	if inv.Has(invites.StepPRMerged) {
		if err := s.deps.Store.MarkRevoking(ctx, id); err != nil {
			return nil, err
		}
		return s.revert(ctx, logger, inv)
	}

	s.cleanup(ctx, logger, inv)
	if err := s.deps.Store.Revoke(ctx, id); err != nil {
		if !errors.Is(err, invites.ErrNotFoundOrAlreadyUsed) {
			return nil, err
		}
		return s.afterLostRace(ctx, logger, id, err)
	}
	logger.Info("invite revoked")
	return &Outcome{State: invites.Revoked{}}, nil
}

// afterLostRace handles a Revoke refused by the store. The reconciler may
// have merged the config PR after the invite was read; that invite needs a
// revert PR instead.
func (s *Saga) afterLostRace(ctx context.Context, logger *slog.Logger, id string, revokeErr error) (*Outcome, error) {
	inv, err := s.deps.Store.FindByID(ctx, id)
	if err != nil {
		return nil, revokeErr
	}
	if inv.UsedAt != nil || inv.Status != invites.StatusPending || !inv.Has(invites.StepPRMerged) {
		return nil, revokeErr
	}
	logger.Warn("config pull request merged during revocation, reverting")
	if err := s.deps.Store.MarkRevoking(ctx, id); err != nil {
		return nil, err
	}
	return s.revert(ctx, logger, inv)
}

// revert opens the revert PR for a merged invite already marked revoking.
func (s *Saga) revert(ctx context.Context, logger *slog.Logger, inv *invites.Invite) (*Outcome, error) {
	username := inv.CertUsername
	if username == "" {
		username = invites.DeriveUsername(inv.Email)
	}

	var pr *capabilities.PullRequest
	err := s.withRetry(ctx, "revert file", func() error {
		var err error
		pr, err = s.deps.Gateway.RevertFile(ctx, username, inv.Email)
		return err
	})
	if err != nil {
		logger.Error("failed to open revert pull request", "error", err)
		return nil, fmt.Errorf("failed to revert config for %s: %w", username, err)
	}
	if err := s.deps.Store.MarkRevertPRCreated(ctx, inv.ID, pr.Number); err != nil {
		return nil, err
	}
	logger.Info("revert pull request opened", "revert_pr", pr.Number, "username", username)
	return &Outcome{State: invites.Revoking{RevertPR: pr.Number}, RevertPR: pr.Number}, nil
}

// cleanup discards everything the provisioning run produced. Failures are
// logged and do not stop the revocation.
func (s *Saga) cleanup(ctx context.Context, logger *slog.Logger, inv *invites.Invite) {
	if err := s.deps.Issuer.DeleteSecret(ctx, inv.ID); err != nil {
		logger.Warn("failed to delete certificate secret", "error", err)
	}
	if inv.CertUsername != "" {
		if err := s.deps.Issuer.DeleteByUsername(ctx, inv.CertUsername); err != nil {
			logger.Warn("failed to delete certificate", "username", inv.CertUsername, "error", err)
		}
	}
	if inv.Has(invites.StepPRCreated) && inv.PRNumber > 0 {
		if err := s.deps.Gateway.Close(ctx, inv.PRNumber); err != nil {
			logger.Warn("failed to close pull request", "pr", inv.PRNumber, "error", err)
		}
	}
	if err := s.deps.Gateway.DeleteBranch(ctx, inv.ID); err != nil {
		logger.Warn("failed to delete branch", "error", err)
	}
}

// UserRevocation names the account to remove.
type UserRevocation struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	RevokedBy string `json:"-"`
	Reason    string `json:"reason"`
}

// RevokeUser deletes a provisioned account, opens the revert PR and writes
// the audit row that gates future invites for the email. The revert PR is
// left for a human to merge.
func (s *Saga) RevokeUser(ctx context.Context, in UserRevocation) (*invites.Revocation, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, invites.Invalid("username", "is required")
	}
	email, err := invites.NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, invites.Invalid("reason", "is required")
	}
	logger := s.logger.With("username", in.Username)

	if err := s.deps.Directory.DeleteUser(ctx, in.Username); err != nil {
		return nil, fmt.Errorf("failed to delete directory user: %w", err)
	}
	if err := s.deps.Issuer.DeleteByUsername(ctx, in.Username); err != nil {
		logger.Warn("failed to delete certificate", "error", err)
	}

	var pr *capabilities.PullRequest
	err = s.withRetry(ctx, "revert file", func() error {
		var err error
		pr, err = s.deps.Gateway.RevertFile(ctx, in.Username, email)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to revert config for %s: %w", in.Username, err)
	}

	rev := &invites.Revocation{
		Email:          email,
		Username:       in.Username,
		Reason:         in.Reason,
		RevokedAt:      s.now(),
		RevokedBy:      in.RevokedBy,
		RevertPRNumber: pr.Number,
	}
	if err := s.deps.Store.RecordRevocation(ctx, rev); err != nil {
		return nil, fmt.Errorf("failed to record revocation: %w", err)
	}
	logger.Info("user revoked", "revert_pr", pr.Number, "revoked_by", in.RevokedBy)
	return rev, nil
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
