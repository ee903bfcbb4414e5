// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package admin implements the administrator operations on invites and
// revocations that sit outside the provisioning saga.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/events"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/cache"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

const groupsCacheKey = "directory:groups"

// Config holds admin settings.
type Config struct {
	InviteTTL     time.Duration
	DefaultLocale string
}

// Deps are the collaborators of the service. Cache may be nil.
type Deps struct {
	Store     invites.Store
	Directory capabilities.DirectoryService
	Sink      capabilities.EventSink
	Cache     cache.Cache
}

// Service implements the admin operations.
type Service struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *slog.Logger) *Service {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = invites.DefaultTTL
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "en"
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logutil.NoopIfNil(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest is the input to CreateInvite. Groups may name directory
// groups by id or display name.
type CreateRequest struct {
	Email   string   `json:"email"`
	Groups  []string `json:"groups"`
	Locale  string   `json:"locale"`
	Confirm bool     `json:"confirm"`
}

// CreateInvite stores a new invite and triggers its provisioning run. An
// email with a revocation on record needs Confirm.
func (s *Service) CreateInvite(ctx context.Context, req CreateRequest) (*View, error) {
	email, err := invites.NormalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	locale, err := invites.NormalizeLocale(req.Locale, s.cfg.DefaultLocale)
	if err != nil {
		return nil, err
	}
	ids, names, err := s.resolveGroups(ctx, req.Groups)
	if err != nil {
		return nil, err
	}

	rev, err := s.deps.Store.FindRevocationByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocations: %w", err)
	}
	if rev != nil && !req.Confirm {
		return nil, &invites.PreviouslyRevokedError{Revocation: rev}
	}

	actor := appctx.Actor(ctx)
	created, err := s.deps.Store.Create(ctx, invites.NewInvite{
		Email:      email,
		Groups:     ids,
		GroupNames: names,
		InvitedBy:  actor,
		Locale:     locale,
		TTL:        s.cfg.InviteTTL,
		Now:        s.now(),
	})
	if err != nil {
		return nil, err
	}

	ctx, logger := appctx.WithInvite(ctx, s.logger, created.ID)
	logger.Info("invite created", "invited_by", actor, "groups", len(ids), "previously_revoked", rev != nil)
	s.deps.Sink.Emit(ctx, events.InviteCreated(created.ID, "admin"))

	inv, err := s.deps.Store.FindByID(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	return NewView(inv), nil
}

// resolveGroups maps each requested group to its id and display name,
// preserving order and dropping duplicates.
func (s *Service) resolveGroups(ctx context.Context, requested []string) ([]string, []string, error) {
	if len(requested) == 0 {
		return []string{}, []string{}, nil
	}
	groups, err := s.groups(ctx)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(requested))
	names := make([]string, 0, len(requested))
	seen := make(map[string]bool)
	for _, r := range requested {
		r = strings.TrimSpace(r)
		g, ok := findGroup(groups, r)
		if !ok {
			return nil, nil, invites.Invalid("groups", "unknown group %q", r)
		}
		if seen[g.ID] {
			continue
		}
		seen[g.ID] = true
		ids = append(ids, g.ID)
		names = append(names, g.Name)
	}
	return ids, names, nil
}

func findGroup(groups []capabilities.Group, ref string) (capabilities.Group, bool) {
	for _, g := range groups {
		if g.ID == ref {
			return g, true
		}
	}
	for _, g := range groups {
		if strings.EqualFold(g.Name, ref) {
			return g, true
		}
	}
	return capabilities.Group{}, false
}

// groups returns the directory groups, served from the cache when possible.
func (s *Service) groups(ctx context.Context) ([]capabilities.Group, error) {
	if s.deps.Cache != nil {
		if raw, err := s.deps.Cache.Get(ctx, groupsCacheKey); err == nil {
			var groups []capabilities.Group
			if err := json.Unmarshal(raw, &groups); err == nil {
				return groups, nil
			}
		} else if !errors.Is(err, cache.ErrNotFound) && !errors.Is(err, cache.ErrExpired) {
			s.logger.Warn("group cache read failed", "error", err)
		}
	}

	groups, err := s.deps.Directory.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory groups: %w", err)
	}
	if s.deps.Cache != nil {
		if raw, err := json.Marshal(groups); err == nil {
			if err := s.deps.Cache.Set(ctx, groupsCacheKey, raw, cache.TTLGroups); err != nil {
				s.logger.Warn("group cache write failed", "error", err)
			}
		}
	}
	return groups, nil
}

// ListPending returns the invites that still block a new invite for their email.
func (s *Service) ListPending(ctx context.Context) ([]*View, error) {
	list, err := s.deps.Store.FindPending(ctx, s.now())
	if err != nil {
		return nil, err
	}
	return NewViews(list), nil
}

// ListFailed returns the invites the reconciler gave up on.
func (s *Service) ListFailed(ctx context.Context) ([]*View, error) {
	list, err := s.deps.Store.FindFailed(ctx)
	if err != nil {
		return nil, err
	}
	return NewViews(list), nil
}

func (s *Service) GetInvite(ctx context.Context, id string) (*View, error) {
	inv, err := s.deps.Store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewView(inv), nil
}

func (s *Service) ListRevocations(ctx context.Context) ([]*invites.Revocation, error) {
	return s.deps.Store.FindRevocations(ctx)
}

// DeleteRevocation removes the audit row, lifting the confirmation
// requirement for the email.
func (s *Service) DeleteRevocation(ctx context.Context, id string) error {
	if err := s.deps.Store.DeleteRevocation(ctx, id); err != nil {
		return err
	}
	s.logger.Info("revocation deleted", "revocation_id", id, "by", appctx.Actor(ctx))
	return nil
}
