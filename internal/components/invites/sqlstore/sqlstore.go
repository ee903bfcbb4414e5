// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package sqlstore implements invites.Store on GORM, for SQLite and PostgreSQL.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/store"
)

func init() {
	store.Register("sqlite", NewDriver)
	store.Register("postgres", NewDriver)
}

// Options are decoded from [store.drivers.sqlite] or [store.drivers.postgres].
type Options struct {
	// Path is the SQLite database file. ":memory:" is allowed for tests.
	Path string `mapstructure:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`

	// FailureCeiling is filled from reconciler.failure_ceiling by config.StoreOptions.
	FailureCeiling int `mapstructure:"failure_ceiling"`
}

// Driver implements store.Driver and invites.Store using GORM.
type Driver struct {
	name    string
	opts    Options
	db      *gorm.DB
	logger  *slog.Logger
	ceiling int
}

// NewDriver creates a new driver instance. The dialect follows cfg.Driver.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	var opts Options
	if err := store.DecodeOptions(cfg.Options, &opts); err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case "sqlite":
		if opts.Path == "" {
			return nil, fmt.Errorf("path is required for sqlite driver")
		}
	case "postgres":
		if opts.DSN == "" {
			return nil, fmt.Errorf("dsn is required for postgres driver")
		}
	default:
		return nil, fmt.Errorf("sqlstore does not support driver %q", cfg.Driver)
	}

	ceiling := opts.FailureCeiling
	if ceiling <= 0 {
		ceiling = invites.DefaultFailureCeiling
	}

	return &Driver{
		name:    cfg.Driver,
		opts:    opts,
		logger:  logutil.NoopIfNil(cfg.Logger),
		ceiling: ceiling,
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return d.name
}

// DB exposes the connection for components sharing the database, such as the lease.
func (d *Driver) DB() *gorm.DB {
	return d.db
}

// Init opens the database and runs AutoMigrate.
func (d *Driver) Init(ctx context.Context) error {
	var dialector gorm.Dialector
	switch d.name {
	case "sqlite":
		if d.opts.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(d.opts.Path), 0700); err != nil {
				return fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		dialector = sqlite.Open(d.opts.Path + "?_busy_timeout=5000&_foreign_keys=on")
	case "postgres":
		dialector = postgres.Open(d.opts.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if d.name == "sqlite" {
		// One writer serialises the conditional updates.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if d.opts.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(d.opts.MaxOpenConns)
		}
		if d.opts.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(d.opts.MaxIdleConns)
		}
		if d.opts.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(d.opts.ConnMaxLifetime)
		}
	}

	d.db = db

	if err := db.WithContext(ctx).AutoMigrate(&inviteRow{}, &revocationRow{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	d.logger.Debug("store initialized", "driver", d.name)
	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Driver) inviteQuery(ctx context.Context) *gorm.DB {
	return d.db.WithContext(ctx).Model(&inviteRow{})
}

// activeClause matches invites that block a new invite for the same email.
const activeClause = "status = ? AND used_at IS NULL AND expires_at > ?"

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

	row := inviteRow{
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
		Status:     string(invites.StatusPending),
	}

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := d.lockEmail(tx, in.Email); err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&inviteRow{}).
			Where("email = ? AND "+activeClause, in.Email, string(invites.StatusPending), now).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return invites.ErrDuplicatePending
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, invites.ErrDuplicatePending) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create invite: %w", err)
	}

	return &invites.Created{ID: row.ID, Token: token, ExpiresAt: row.ExpiresAt}, nil
}

// lockEmail serialises concurrent creates for one email on PostgreSQL.
// SQLite already serialises writers.
func (d *Driver) lockEmail(tx *gorm.DB, email string) error {
	if d.name != "postgres" {
		return nil
	}
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", email).Error
}

// FindByID retrieves an invite by id.
func (d *Driver) FindByID(ctx context.Context, id string) (*invites.Invite, error) {
	var row inviteRow
	result := d.db.WithContext(ctx).First(&row, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, invites.ErrNotFound
		}
		return nil, result.Error
	}
	return row.toInvite(), nil
}

// FindByTokenHash retrieves an invite by token hash, or nil when absent.
func (d *Driver) FindByTokenHash(ctx context.Context, hash string) (*invites.Invite, error) {
	var row inviteRow
	result := d.db.WithContext(ctx).First(&row, "token_hash = ?", hash)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return row.toInvite(), nil
}

// ConsumeByToken burns the token with a single conditional update.
func (d *Driver) ConsumeByToken(ctx context.Context, token, username string, now time.Time) (*invites.Invite, error) {
	hash := invites.HashToken(token)
	now = now.UTC()

	result := d.inviteQuery(ctx).
		Where("token_hash = ? AND "+activeClause, hash, string(invites.StatusPending), now).
		Updates(map[string]any{
			"used_at": now,
			"used_by": username,
			"status":  string(invites.StatusAccepted),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, invites.ErrInvalidOrExpiredToken
	}

	inv, err := d.FindByTokenHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, invites.ErrInvalidOrExpiredToken
	}
	return inv, nil
}

// MarkUsedBy re-affirms the username recorded at consumption.
func (d *Driver) MarkUsedBy(ctx context.Context, id, username string) error {
	result := d.inviteQuery(ctx).
		Where("id = ? AND used_at IS NOT NULL", id).
		Update("used_by", username)
	return d.checkUpdate(ctx, result, id, invites.ErrNotFoundOrAlreadyUsed)
}

func (d *Driver) setSteps(ctx context.Context, id string, flags invites.Steps, extra map[string]any) error {
	updates := map[string]any{"steps": gorm.Expr("steps | ?", int(flags))}
	for k, v := range extra {
		updates[k] = v
	}
	result := d.inviteQuery(ctx).Where("id = ?", id).Updates(updates)
	return d.checkUpdate(ctx, result, id, invites.ErrNotFound)
}

// checkUpdate maps zero affected rows to ErrNotFound when the row is gone,
// otherwise to guardErr.
func (d *Driver) checkUpdate(ctx context.Context, result *gorm.DB, id string, guardErr error) error {
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := d.inviteQuery(ctx).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return invites.ErrNotFound
	}
	return guardErr
}

func (d *Driver) MarkCertIssued(ctx context.Context, id string) error {
	return d.setSteps(ctx, id, invites.StepCertIssued, nil)
}

func (d *Driver) MarkPRCreated(ctx context.Context, id string, prNumber int, certUsername string) error {
	return d.setSteps(ctx, id, invites.StepPRCreated, map[string]any{
		"pr_number":     prNumber,
		"cert_username": certUsername,
	})
}

func (d *Driver) MarkPRMerged(ctx context.Context, id string) error {
	return d.setSteps(ctx, id, invites.StepPRMerged, nil)
}

func (d *Driver) MarkEmailSent(ctx context.Context, id string) error {
	return d.setSteps(ctx, id, invites.StepEmailSent, nil)
}

func (d *Driver) MarkCertVerified(ctx context.Context, id string, at time.Time) error {
	return d.setSteps(ctx, id, invites.StepCertVerified, map[string]any{"cert_verified_at": at.UTC()})
}

// MarkRevoking moves a pending, unused invite to revoking. Already revoking is a no-op.
func (d *Driver) MarkRevoking(ctx context.Context, id string) error {
	result := d.inviteQuery(ctx).
		Where("id = ? AND used_at IS NULL AND status IN ?", id,
			[]string{string(invites.StatusPending), string(invites.StatusRevoking)}).
		Update("status", string(invites.StatusRevoking))
	err := d.checkUpdate(ctx, result, id, invites.ErrNotFoundOrAlreadyUsed)
	if errors.Is(err, invites.ErrNotFound) {
		return invites.ErrNotFoundOrAlreadyUsed
	}
	return err
}

func (d *Driver) MarkRevertPRCreated(ctx context.Context, id string, prNumber int) error {
	result := d.inviteQuery(ctx).
		Where("id = ? AND status = ?", id, string(invites.StatusRevoking)).
		Updates(map[string]any{
			"steps":            gorm.Expr("steps | ?", int(invites.StepRevertPRCreated)),
			"revert_pr_number": prNumber,
		})
	return d.checkUpdate(ctx, result, id, invites.ErrNotFoundOrAlreadyUsed)
}

// MarkRevertPRMerged finalises a revocation.
func (d *Driver) MarkRevertPRMerged(ctx context.Context, id string) error {
	result := d.inviteQuery(ctx).
		Where("id = ? AND status IN ?", id,
			[]string{string(invites.StatusRevoking), string(invites.StatusRevoked)}).
		Updates(map[string]any{
			"steps":  gorm.Expr("steps | ?", int(invites.StepRevertPRMerged)),
			"status": string(invites.StatusRevoked),
		})
	return d.checkUpdate(ctx, result, id, invites.ErrNotFoundOrAlreadyUsed)
}

// Revoke moves an unused, unmerged pending invite to revoked.
func (d *Driver) Revoke(ctx context.Context, id string) error {
	result := d.inviteQuery(ctx).
		Where("id = ? AND used_at IS NULL AND status = ? AND (steps & ?) = 0", id,
			string(invites.StatusPending), int(invites.StepPRMerged)).
		Update("status", string(invites.StatusRevoked))
	err := d.checkUpdate(ctx, result, id, invites.ErrNotFoundOrAlreadyUsed)
	if errors.Is(err, invites.ErrNotFound) {
		return invites.ErrNotFoundOrAlreadyUsed
	}
	return err
}

func (d *Driver) find(ctx context.Context, query string, args ...any) ([]*invites.Invite, error) {
	var rows []inviteRow
	if err := d.db.WithContext(ctx).Where(query, args...).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toInvites(rows), nil
}

// FindPending lists active invites that have not failed.
func (d *Driver) FindPending(ctx context.Context, now time.Time) ([]*invites.Invite, error) {
	return d.find(ctx, activeClause+" AND failed_at IS NULL", string(invites.StatusPending), now.UTC())
}

func (d *Driver) FindFailed(ctx context.Context) ([]*invites.Invite, error) {
	return d.find(ctx, "failed_at IS NOT NULL")
}

func (d *Driver) FindAwaitingMerge(ctx context.Context) ([]*invites.Invite, error) {
	return d.find(ctx,
		"(steps & ?) <> 0 AND (steps & ?) = 0 AND failed_at IS NULL AND used_at IS NULL AND status = ?",
		int(invites.StepPRCreated), int(invites.StepEmailSent), string(invites.StatusPending))
}

func (d *Driver) FindAwaitingCertVerification(ctx context.Context) ([]*invites.Invite, error) {
	return d.find(ctx,
		"(steps & ?) <> 0 AND (steps & ?) = 0 AND cert_username <> '' AND status IN ?",
		int(invites.StepEmailSent), int(invites.StepCertVerified),
		[]string{string(invites.StatusPending), string(invites.StatusAccepted)})
}

func (d *Driver) FindAwaitingRevertMerge(ctx context.Context) ([]*invites.Invite, error) {
	return d.find(ctx,
		"status = ? AND (steps & ?) <> 0 AND (steps & ?) = 0 AND failed_at IS NULL",
		string(invites.StatusRevoking), int(invites.StepRevertPRCreated), int(invites.StepRevertPRMerged))
}

// FindExpired lists pending, unused, unmerged invites that expired before the cutoff.
func (d *Driver) FindExpired(ctx context.Context, before time.Time) ([]*invites.Invite, error) {
	return d.find(ctx,
		"status = ? AND used_at IS NULL AND (steps & ?) = 0 AND expires_at < ?",
		string(invites.StatusPending), int(invites.StepPRMerged), before.UTC())
}

// RecordReconcileError bumps the attempt counter and sets failed_at at the ceiling.
func (d *Driver) RecordReconcileError(ctx context.Context, id, msg string, now time.Time) error {
	now = now.UTC()
	result := d.inviteQuery(ctx).Where("id = ?", id).Updates(map[string]any{
		"reconcile_attempts": gorm.Expr("reconcile_attempts + 1"),
		"last_error":         msg,
		"last_reconcile_at":  now,
		"failed_at":          gorm.Expr("CASE WHEN reconcile_attempts + 1 >= ? THEN ? ELSE failed_at END", d.ceiling, now),
	})
	return d.checkUpdate(ctx, result, id, invites.ErrNotFound)
}

func (d *Driver) MarkFailed(ctx context.Context, id, msg string, now time.Time) error {
	now = now.UTC()
	result := d.inviteQuery(ctx).Where("id = ?", id).Updates(map[string]any{
		"reconcile_attempts": gorm.Expr("reconcile_attempts + 1"),
		"last_error":         msg,
		"last_reconcile_at":  now,
		"failed_at":          now,
	})
	return d.checkUpdate(ctx, result, id, invites.ErrNotFound)
}

// ClearReconcileError resets bookkeeping only; steps are untouched.
func (d *Driver) ClearReconcileError(ctx context.Context, id string) error {
	result := d.inviteQuery(ctx).Where("id = ?", id).Updates(map[string]any{
		"reconcile_attempts": 0,
		"last_error":         "",
		"failed_at":          nil,
	})
	return d.checkUpdate(ctx, result, id, invites.ErrNotFound)
}

// RecordAttempt counts an acceptance attempt; the counter restarts after a
// quiet period of one window.
func (d *Driver) RecordAttempt(ctx context.Context, id string, now time.Time, window time.Duration) (int, error) {
	now = now.UTC()
	cutoff := now.Add(-window)

	var attempts int
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&inviteRow{}).Where("id = ?", id).Updates(map[string]any{
			"attempts":        gorm.Expr("CASE WHEN last_attempt_at IS NULL OR last_attempt_at < ? THEN 1 ELSE attempts + 1 END", cutoff),
			"last_attempt_at": now,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invites.ErrNotFound
		}
		var row inviteRow
		if err := tx.Select("attempts").First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		attempts = row.Attempts
		return nil
	})
	return attempts, err
}

// RotateToken issues a fresh token and expiry and resets the attempt counter.
func (d *Driver) RotateToken(ctx context.Context, id string, now time.Time, ttl time.Duration) (*invites.Created, error) {
	token, err := invites.GenerateToken()
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	if ttl <= 0 {
		ttl = invites.DefaultTTL
	}
	expires := now.Add(ttl)

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row inviteRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return invites.ErrNotFound
			}
			return err
		}
		if row.Status != string(invites.StatusPending) || row.UsedAt != nil {
			return invites.ErrNotFoundOrAlreadyUsed
		}
		if err := d.lockEmail(tx, row.Email); err != nil {
			return err
		}
		var others int64
		if err := tx.Model(&inviteRow{}).
			Where("email = ? AND id <> ? AND "+activeClause, row.Email, id, string(invites.StatusPending), now).
			Count(&others).Error; err != nil {
			return err
		}
		if others > 0 {
			return invites.ErrDuplicatePending
		}
		result := tx.Model(&inviteRow{}).
			Where("id = ? AND status = ? AND used_at IS NULL", id, string(invites.StatusPending)).
			Updates(map[string]any{
				"token":           token,
				"token_hash":      invites.HashToken(token),
				"expires_at":      expires,
				"attempts":        0,
				"last_attempt_at": nil,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return invites.ErrNotFoundOrAlreadyUsed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &invites.Created{ID: id, Token: token, ExpiresAt: expires}, nil
}

// Delete removes an invite row.
func (d *Driver) Delete(ctx context.Context, id string) error {
	result := d.db.WithContext(ctx).Delete(&inviteRow{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return invites.ErrNotFound
	}
	return nil
}

// RecordRevocation writes an audit row. A missing ID or timestamp is filled in.
func (d *Driver) RecordRevocation(ctx context.Context, r *invites.Revocation) error {
	if r.ID == "" {
		r.ID = invites.NewID()
	}
	if r.RevokedAt.IsZero() {
		r.RevokedAt = time.Now().UTC()
	}
	row := revocationRow{
		ID:             r.ID,
		Email:          r.Email,
		Username:       r.Username,
		Reason:         r.Reason,
		RevokedAt:      r.RevokedAt.UTC(),
		RevokedBy:      r.RevokedBy,
		RevertPRNumber: r.RevertPRNumber,
	}
	return d.db.WithContext(ctx).Create(&row).Error
}

// FindRevocations lists audit rows, newest first.
func (d *Driver) FindRevocations(ctx context.Context) ([]*invites.Revocation, error) {
	var rows []revocationRow
	if err := d.db.WithContext(ctx).Order("revoked_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*invites.Revocation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRevocation())
	}
	return out, nil
}

// FindRevocationByEmail returns the newest audit row for the email, or nil.
func (d *Driver) FindRevocationByEmail(ctx context.Context, email string) (*invites.Revocation, error) {
	var row revocationRow
	result := d.db.WithContext(ctx).Where("email = ?", email).Order("revoked_at DESC").First(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return row.toRevocation(), nil
}

func (d *Driver) DeleteRevocation(ctx context.Context, id string) error {
	result := d.db.WithContext(ctx).Delete(&revocationRow{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return invites.ErrNotFound
	}
	return nil
}

// Compile-time interface checks
var _ store.Driver = (*Driver)(nil)
var _ invites.Store = (*Driver)(nil)
