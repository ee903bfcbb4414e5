// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package jsonstore implements invites.Store on JSON files.
// It keeps state in memory under one lock and persists every mutation with
// an atomic write (temp file + fsync + rename).
package jsonstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/fsutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

func init() {
	store.Register("json", NewDriver)
}

const (
	invitesFile     = "invites.json"
	revocationsFile = "revocations.json"
)

// Options are decoded from [store.drivers.json].
type Options struct {
	DataDir        string `mapstructure:"data_dir"`
	FailureCeiling int    `mapstructure:"failure_ceiling"`
}

// Driver implements store.Driver and invites.Store using JSON files.
type Driver struct {
	dataDir string
	ceiling int
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool

	byID        map[string]*invites.Invite
	revocations map[string]*invites.Revocation

	// Secondary index
	hashIndex map[string]string // token hash -> id
}

// NewDriver creates a new JSON driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	var opts Options
	if err := store.DecodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for json driver")
	}
	ceiling := opts.FailureCeiling
	if ceiling <= 0 {
		ceiling = invites.DefaultFailureCeiling
	}

	return &Driver{
		dataDir:     opts.DataDir,
		ceiling:     ceiling,
		logger:      logutil.NoopIfNil(cfg.Logger),
		byID:        make(map[string]*invites.Invite),
		revocations: make(map[string]*invites.Revocation),
		hashIndex:   make(map[string]string),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "json"
}

// Init loads data from JSON files.
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	if err := d.loadFile(invitesFile, &d.byID); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load invites: %w", err)
	}
	if err := d.loadFile(revocationsFile, &d.revocations); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load revocations: %w", err)
	}

	d.hashIndex = make(map[string]string, len(d.byID))
	for id, inv := range d.byID {
		d.hashIndex[inv.TokenHash] = id
	}

	d.logger.Debug("store initialized", "driver", "json", "invites", len(d.byID))
	return nil
}

// Close releases resources.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) loadFile(filename string, target any) error {
	data, err := os.ReadFile(filepath.Join(d.dataDir, filename))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

func (d *Driver) saveFile(filename string, data any) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(d.dataDir, filename), jsonData)
}

func (d *Driver) saveInvites() error { return d.saveFile(invitesFile, d.byID) }

// mutate runs fn on a copy of the invite under the lock and persists it only
// when fn succeeds, so a failed write leaves memory untouched.
func (d *Driver) mutate(id string, fn func(inv *invites.Invite) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}
	cur, ok := d.byID[id]
	if !ok {
		return invites.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	d.byID[id] = next
	if err := d.saveInvites(); err != nil {
		d.byID[id] = cur
		return err
	}
	if cur.TokenHash != next.TokenHash {
		delete(d.hashIndex, cur.TokenHash)
		d.hashIndex[next.TokenHash] = id
	}
	return nil
}

func (d *Driver) hasActive(email, exceptID string, now time.Time) bool {
	for id, inv := range d.byID {
		if id != exceptID && inv.Email == email && inv.Active(now) {
			return true
		}
	}
	return false
}

// Create persists a new pending invite.
func (d *Driver) Create(ctx context.Context, in invites.NewInvite) (*invites.Created, error) {
	token, err := invites.GenerateToken()
	if err != nil {
		return nil, err
	}
	now := in.Now.UTC()
	if in.Now.IsZero() {
		now = time.Now().UTC()
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = invites.DefaultTTL
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, store.ErrClosed
	}
	if d.hasActive(in.Email, "", now) {
		return nil, invites.ErrDuplicatePending
	}

	inv := &invites.Invite{
		ID:         invites.NewID(),
		Token:      token,
		TokenHash:  invites.HashToken(token),
		Email:      in.Email,
		Groups:     append([]string{}, in.Groups...),
		GroupNames: append([]string{}, in.GroupNames...),
		InvitedBy:  in.InvitedBy,
		Locale:     in.Locale,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Status:     invites.StatusPending,
	}
	d.byID[inv.ID] = inv
	if err := d.saveInvites(); err != nil {
		delete(d.byID, inv.ID)
		return nil, err
	}
	d.hashIndex[inv.TokenHash] = inv.ID

	return &invites.Created{ID: inv.ID, Token: token, ExpiresAt: inv.ExpiresAt}, nil
}

// FindByID retrieves an invite by id.
func (d *Driver) FindByID(ctx context.Context, id string) (*invites.Invite, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.byID[id]
	if !ok {
		return nil, invites.ErrNotFound
	}
	return inv.Clone(), nil
}

// FindByTokenHash retrieves an invite by token hash, or nil when absent.
func (d *Driver) FindByTokenHash(ctx context.Context, hash string) (*invites.Invite, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.hashIndex[hash]
	if !ok {
		return nil, nil
	}
	return d.byID[id].Clone(), nil
}

// ConsumeByToken burns the token. The lock makes check and set atomic.
func (d *Driver) ConsumeByToken(ctx context.Context, token, username string, now time.Time) (*invites.Invite, error) {
	hash := invites.HashToken(token)

	d.mu.Lock()
	id, ok := d.hashIndex[hash]
	d.mu.Unlock()
	if !ok {
		return nil, invites.ErrInvalidOrExpiredToken
	}

	var out *invites.Invite
	err := d.mutate(id, func(inv *invites.Invite) error {
		if inv.TokenHash != hash || !inv.Active(now) {
			return invites.ErrInvalidOrExpiredToken
		}
		at := now.UTC()
		inv.UsedAt = &at
		inv.UsedBy = username
		inv.Status = invites.StatusAccepted
		out = inv.Clone()
		return nil
	})
	if err == invites.ErrNotFound {
		return nil, invites.ErrInvalidOrExpiredToken
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Driver) MarkUsedBy(ctx context.Context, id, username string) error {
	return d.mutate(id, func(inv *invites.Invite) error {
		if inv.UsedAt == nil {
			return invites.ErrNotFoundOrAlreadyUsed
		}
		inv.UsedBy = username
		return nil
	})
}

func (d *Driver) setSteps(id string, flags invites.Steps, extra func(inv *invites.Invite)) error {
	return d.mutate(id, func(inv *invites.Invite) error {
		inv.Steps |= flags
		if extra != nil {
			extra(inv)
		}
		return nil
	})
}

func (d *Driver) MarkCertIssued(ctx context.Context, id string) error {
	return d.setSteps(id, invites.StepCertIssued, nil)
}

func (d *Driver) MarkPRCreated(ctx context.Context, id string, prNumber int, certUsername string) error {
	return d.setSteps(id, invites.StepPRCreated, func(inv *invites.Invite) {
		inv.PRNumber = prNumber
		inv.CertUsername = certUsername
	})
}

func (d *Driver) MarkPRMerged(ctx context.Context, id string) error {
	return d.setSteps(id, invites.StepPRMerged, nil)
}

func (d *Driver) MarkEmailSent(ctx context.Context, id string) error {
	return d.setSteps(id, invites.StepEmailSent, nil)
}

func (d *Driver) MarkCertVerified(ctx context.Context, id string, at time.Time) error {
	return d.setSteps(id, invites.StepCertVerified, func(inv *invites.Invite) {
		t := at.UTC()
		inv.CertVerifiedAt = &t
	})
}

func (d *Driver) MarkRevoking(ctx context.Context, id string) error {
	err := d.mutate(id, func(inv *invites.Invite) error {
		if inv.UsedAt != nil || (inv.Status != invites.StatusPending && inv.Status != invites.StatusRevoking) {
			return invites.ErrNotFoundOrAlreadyUsed
		}
		inv.Status = invites.StatusRevoking
		return nil
	})
	if err == invites.ErrNotFound {
		return invites.ErrNotFoundOrAlreadyUsed
	}
	return err
}

func (d *Driver) MarkRevertPRCreated(ctx context.Context, id string, prNumber int) error {
	return d.mutate(id, func(inv *invites.Invite) error {
		if inv.Status != invites.StatusRevoking {
			return invites.ErrNotFoundOrAlreadyUsed
		}
		inv.Steps |= invites.StepRevertPRCreated
		inv.RevertPRNumber = prNumber
		return nil
	})
}

func (d *Driver) MarkRevertPRMerged(ctx context.Context, id string) error {
	return d.mutate(id, func(inv *invites.Invite) error {
		if inv.Status != invites.StatusRevoking && inv.Status != invites.StatusRevoked {
			return invites.ErrNotFoundOrAlreadyUsed
		}
		inv.Steps |= invites.StepRevertPRMerged
		inv.Status = invites.StatusRevoked
		return nil
	})
}

func (d *Driver) Revoke(ctx context.Context, id string) error {
	err := d.mutate(id, func(inv *invites.Invite) error {
		if inv.UsedAt != nil || inv.Status != invites.StatusPending || inv.Has(invites.StepPRMerged) {
			return invites.ErrNotFoundOrAlreadyUsed
		}
		inv.Status = invites.StatusRevoked
		return nil
	})
	if err == invites.ErrNotFound {
		return invites.ErrNotFoundOrAlreadyUsed
	}
	return err
}

func (d *Driver) filter(match func(inv *invites.Invite) bool) []*invites.Invite {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []*invites.Invite{}
	for _, inv := range d.byID {
		if match(inv) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (d *Driver) FindPending(ctx context.Context, now time.Time) ([]*invites.Invite, error) {
	return d.filter(func(inv *invites.Invite) bool { return invites.IsPending(inv, now) }), nil
}

func (d *Driver) FindFailed(ctx context.Context) ([]*invites.Invite, error) {
	return d.filter((*invites.Invite).Failed), nil
}

func (d *Driver) FindAwaitingMerge(ctx context.Context) ([]*invites.Invite, error) {
	return d.filter(invites.IsAwaitingMerge), nil
}

func (d *Driver) FindAwaitingCertVerification(ctx context.Context) ([]*invites.Invite, error) {
	return d.filter(invites.IsAwaitingCertVerification), nil
}

func (d *Driver) FindAwaitingRevertMerge(ctx context.Context) ([]*invites.Invite, error) {
	return d.filter(invites.IsAwaitingRevertMerge), nil
}

func (d *Driver) FindExpired(ctx context.Context, before time.Time) ([]*invites.Invite, error) {
	return d.filter(func(inv *invites.Invite) bool { return invites.IsExpired(inv, before) }), nil
}

func (d *Driver) RecordReconcileError(ctx context.Context, id, msg string, now time.Time) error {
	return d.mutate(id, func(inv *invites.Invite) error {
		at := now.UTC()
		inv.ReconcileAttempts++
		inv.LastError = msg
		inv.LastReconcileAt = &at
		if inv.ReconcileAttempts >= d.ceiling && inv.FailedAt == nil {
			inv.FailedAt = &at
		}
		return nil
	})
}

func (d *Driver) MarkFailed(ctx context.Context, id, msg string, now time.Time) error {
	return d.mutate(id, func(inv *invites.Invite) error {
		at := now.UTC()
		inv.ReconcileAttempts++
		inv.LastError = msg
		inv.LastReconcileAt = &at
		inv.FailedAt = &at
		return nil
	})
}

func (d *Driver) ClearReconcileError(ctx context.Context, id string) error {
	return d.mutate(id, func(inv *invites.Invite) error {
		inv.ReconcileAttempts = 0
		inv.LastError = ""
		inv.FailedAt = nil
		return nil
	})
}

func (d *Driver) RecordAttempt(ctx context.Context, id string, now time.Time, window time.Duration) (int, error) {
	var attempts int
	err := d.mutate(id, func(inv *invites.Invite) error {
		at := now.UTC()
		if inv.LastAttemptAt == nil || inv.LastAttemptAt.Before(at.Add(-window)) {
			inv.Attempts = 1
		} else {
			inv.Attempts++
		}
		inv.LastAttemptAt = &at
		attempts = inv.Attempts
		return nil
	})
	return attempts, err
}

func (d *Driver) RotateToken(ctx context.Context, id string, now time.Time, ttl time.Duration) (*invites.Created, error) {
	token, err := invites.GenerateToken()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = invites.DefaultTTL
	}
	expires := now.UTC().Add(ttl)

	err = d.mutate(id, func(inv *invites.Invite) error {
		if inv.Status != invites.StatusPending || inv.UsedAt != nil {
			return invites.ErrNotFoundOrAlreadyUsed
		}
		if d.hasActive(inv.Email, id, now) {
			return invites.ErrDuplicatePending
		}
		inv.Token = token
		inv.TokenHash = invites.HashToken(token)
		inv.ExpiresAt = expires
		inv.Attempts = 0
		inv.LastAttemptAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &invites.Created{ID: id, Token: token, ExpiresAt: expires}, nil
}

func (d *Driver) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.byID[id]
	if !ok {
		return invites.ErrNotFound
	}
	delete(d.byID, id)
	if err := d.saveInvites(); err != nil {
		d.byID[id] = inv
		return err
	}
	delete(d.hashIndex, inv.TokenHash)
	return nil
}

func (d *Driver) RecordRevocation(ctx context.Context, r *invites.Revocation) error {
	if r.ID == "" {
		r.ID = invites.NewID()
	}
	if r.RevokedAt.IsZero() {
		r.RevokedAt = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return store.ErrClosed
	}
	c := *r
	d.revocations[r.ID] = &c
	if err := d.saveFile(revocationsFile, d.revocations); err != nil {
		delete(d.revocations, r.ID)
		return err
	}
	return nil
}

func (d *Driver) FindRevocations(ctx context.Context) ([]*invites.Revocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*invites.Revocation, 0, len(d.revocations))
	for _, r := range d.revocations {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevokedAt.After(out[j].RevokedAt) })
	return out, nil
}

func (d *Driver) FindRevocationByEmail(ctx context.Context, email string) (*invites.Revocation, error) {
	all, _ := d.FindRevocations(ctx)
	for _, r := range all {
		if r.Email == email {
			return r, nil
		}
	}
	return nil, nil
}

func (d *Driver) DeleteRevocation(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.revocations[id]
	if !ok {
		return invites.ErrNotFound
	}
	delete(d.revocations, id)
	if err := d.saveFile(revocationsFile, d.revocations); err != nil {
		d.revocations[id] = r
		return err
	}
	return nil
}

// Compile-time interface checks
var _ store.Driver = (*Driver)(nil)
var _ invites.Store = (*Driver)(nil)
