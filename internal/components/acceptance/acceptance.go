// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package acceptance turns a valid invite token into a directory account.
package acceptance

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
)

// Request is the invitee's submission.
type Request struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// Result describes the created account.
type Result struct {
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups"`
}

// Config bounds invitee attempts per invite.
type Config struct {
	MaxAttempts   int
	AttemptWindow time.Duration
}

// Service implements account acceptance.
type Service struct {
	store     invites.Store
	directory capabilities.DirectoryService
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func New(store invites.Store, directory capabilities.DirectoryService, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.AttemptWindow <= 0 {
		cfg.AttemptWindow = 15 * time.Minute
	}
	return &Service{
		store:     store,
		directory: directory,
		cfg:       cfg,
		logger:    logutil.NoopIfNil(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Accept validates the request, burns the token and provisions the account.
// The token is the first thing mutated; failures after that point are
// compensated by deleting the account, and the token stays burned.
func (s *Service) Accept(ctx context.Context, req Request) (*Result, error) {
	req.Username = strings.TrimSpace(req.Username)
	if err := invites.ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := invites.ValidatePassword(req.Password); err != nil {
		return nil, err
	}
	if req.Token == "" {
		return nil, invites.ErrInvalidOrExpiredToken
	}

	now := s.now()
	inv, err := s.store.FindByTokenHash(ctx, invites.HashToken(req.Token))
	if err != nil {
		return nil, fmt.Errorf("failed to look up invite: %w", err)
	}
	if inv == nil {
		return nil, invites.ErrInvalidOrExpiredToken
	}
	ctx, logger := appctx.WithInvite(ctx, s.logger, inv.ID)

	if s.limited(inv, now) {
		logger.Warn("acceptance rate limited", "attempts", inv.Attempts)
		return nil, invites.ErrRateLimited
	}
	if _, err := s.store.RecordAttempt(ctx, inv.ID, now, s.cfg.AttemptWindow); err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}

	// Checked before consumption so a taken name does not burn the token.
	taken, err := s.usernameTaken(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, invites.Invalid("username", "%q is already taken", req.Username)
	}

	consumed, err := s.store.ConsumeByToken(ctx, req.Token, req.Username, now)
	if err != nil {
		return nil, err
	}

	display := strings.TrimSpace(req.FirstName + " " + req.LastName)
	if display == "" {
		display = req.Username
	}
	if err := s.directory.CreateUser(ctx, req.Username, consumed.Email, display, req.FirstName, req.LastName); err != nil {
		logger.Error("failed to create directory user, token is spent", "username", req.Username, "error", err)
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := s.configure(ctx, req, consumed.Groups); err != nil {
		// The caller may be gone by now; the half-created user must still go.
		if cerr := s.directory.DeleteUser(context.WithoutCancel(ctx), req.Username); cerr != nil {
			logger.Error("compensation failed, directory user left behind", "username", req.Username, "error", cerr)
		} else {
			logger.Warn("account setup failed, directory user removed", "username", req.Username)
		}
		return nil, err
	}

	if err := s.store.MarkUsedBy(ctx, consumed.ID, req.Username); err != nil {
		logger.Warn("failed to re-affirm invite acceptance", "error", err)
	}

	logger.Info("invite accepted", "username", req.Username, "groups", len(consumed.Groups))
	return &Result{Username: req.Username, Email: consumed.Email, Groups: consumed.GroupNames}, nil
}

// limited reports whether the invitee used up the attempts in the current window.
func (s *Service) limited(inv *invites.Invite, now time.Time) bool {
	if inv.LastAttemptAt == nil || now.Sub(*inv.LastAttemptAt) > s.cfg.AttemptWindow {
		return false
	}
	return inv.Attempts >= s.cfg.MaxAttempts
}

func (s *Service) usernameTaken(ctx context.Context, username string) (bool, error) {
	users, err := s.directory.ListUsers(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list users: %w", err)
	}
	for _, u := range users {
		if strings.EqualFold(u.ID, username) {
			return true, nil
		}
	}
	return false, nil
}

// configure is the second phase: password, then group memberships.
func (s *Service) configure(ctx context.Context, req Request, groups []string) error {
	if err := s.directory.SetPassword(ctx, req.Username, req.Password); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	for _, g := range groups {
		if err := s.directory.AddToGroup(ctx, req.Username, g); err != nil {
			return fmt.Errorf("failed to add user to group %s: %w", g, err)
		}
	}
	return nil
}

// IsClientError reports whether err is caused by the request rather than the system.
func IsClientError(err error) bool {
	return errors.Is(err, invites.ErrValidation) ||
		errors.Is(err, invites.ErrInvalidOrExpiredToken) ||
		errors.Is(err, invites.ErrRateLimited)
}
