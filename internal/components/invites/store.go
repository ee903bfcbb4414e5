// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package invites

import (
	"context"
	"time"
)

// Store is the single authority for invite and revocation state.
// Implementations must be safe for concurrent use, and every mutation
// must be atomic with respect to its guard.
type Store interface {
	// Create persists a new pending invite. Returns ErrDuplicatePending when
	// an active invite exists for the email.
	Create(ctx context.Context, in NewInvite) (*Created, error)

	// FindByID returns ErrNotFound when absent.
	FindByID(ctx context.Context, id string) (*Invite, error)

	// FindByTokenHash returns nil, nil when absent.
	FindByTokenHash(ctx context.Context, hash string) (*Invite, error)

	// ConsumeByToken atomically burns the token, guarded by
	// used_at IS NULL AND status = pending AND expires_at > now.
	// Returns ErrInvalidOrExpiredToken when the guard matches nothing.
	ConsumeByToken(ctx context.Context, token, username string, now time.Time) (*Invite, error)

	MarkUsedBy(ctx context.Context, id, username string) error
	MarkCertIssued(ctx context.Context, id string) error
	MarkPRCreated(ctx context.Context, id string, prNumber int, certUsername string) error
	MarkPRMerged(ctx context.Context, id string) error
	MarkEmailSent(ctx context.Context, id string) error
	MarkCertVerified(ctx context.Context, id string, at time.Time) error

	// MarkRevoking moves a pending, unused invite to revoking.
	MarkRevoking(ctx context.Context, id string) error
	MarkRevertPRCreated(ctx context.Context, id string, prNumber int) error
	// MarkRevertPRMerged also moves the status to revoked.
	MarkRevertPRMerged(ctx context.Context, id string) error
	// Revoke moves an unused pending invite whose config PR is not merged to
	// revoked. A merged invite must go through MarkRevoking instead.
	Revoke(ctx context.Context, id string) error

	FindPending(ctx context.Context, now time.Time) ([]*Invite, error)
	FindFailed(ctx context.Context) ([]*Invite, error)
	FindAwaitingMerge(ctx context.Context) ([]*Invite, error)
	FindAwaitingCertVerification(ctx context.Context) ([]*Invite, error)
	FindAwaitingRevertMerge(ctx context.Context) ([]*Invite, error)

	// RecordReconcileError bumps the attempt counter and sets failed_at once
	// the failure ceiling is reached.
	RecordReconcileError(ctx context.Context, id, msg string, now time.Time) error
	MarkFailed(ctx context.Context, id, msg string, now time.Time) error
	ClearReconcileError(ctx context.Context, id string) error

	// RecordAttempt counts an acceptance attempt and returns the count inside
	// the window. The count restarts once the window has elapsed.
	RecordAttempt(ctx context.Context, id string, now time.Time, window time.Duration) (int, error)

	// RotateToken issues a fresh token and expiry for a pending, unused invite.
	RotateToken(ctx context.Context, id string, now time.Time, ttl time.Duration) (*Created, error)

	FindExpired(ctx context.Context, before time.Time) ([]*Invite, error)
	Delete(ctx context.Context, id string) error

	RecordRevocation(ctx context.Context, r *Revocation) error
	FindRevocations(ctx context.Context) ([]*Revocation, error)
	// FindRevocationByEmail returns nil, nil when absent.
	FindRevocationByEmail(ctx context.Context, email string) (*Revocation, error)
	DeleteRevocation(ctx context.Context, id string) error
}

// Predicates shared by drivers that evaluate queries in memory.

// IsPending matches FindPending.
func IsPending(i *Invite, now time.Time) bool {
	return i.Active(now) && i.FailedAt == nil
}

// IsAwaitingMerge matches FindAwaitingMerge.
func IsAwaitingMerge(i *Invite) bool {
	return i.Has(StepPRCreated) && !i.Has(StepEmailSent) && i.FailedAt == nil &&
		i.UsedAt == nil && i.Status == StatusPending
}

// IsAwaitingCertVerification matches FindAwaitingCertVerification.
func IsAwaitingCertVerification(i *Invite) bool {
	return i.Has(StepEmailSent) && !i.Has(StepCertVerified) && i.CertUsername != "" &&
		(i.Status == StatusPending || i.Status == StatusAccepted)
}

// IsAwaitingRevertMerge matches FindAwaitingRevertMerge.
func IsAwaitingRevertMerge(i *Invite) bool {
	return i.Status == StatusRevoking && i.Has(StepRevertPRCreated) &&
		!i.Has(StepRevertPRMerged) && i.FailedAt == nil
}

// IsExpired matches FindExpired: pending, unused, unmerged and expired before the cutoff.
func IsExpired(i *Invite, before time.Time) bool {
	return i.Status == StatusPending && i.UsedAt == nil && !i.Has(StepPRMerged) && i.ExpiresAt.Before(before)
}
