// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package invites holds the invite domain model, its errors and the Store
// contract that every persistence driver implements.
package invites

import (
	"time"
)

// DefaultTTL is the invite lifetime when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultFailureCeiling is the number of reconcile errors after which an
// invite is marked failed.
const DefaultFailureCeiling = 5

// Invite is a single-use, time-limited invitation and its provisioning progress.
type Invite struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	TokenHash string `json:"token_hash"`

	Email      string   `json:"email"`
	Groups     []string `json:"groups"`
	GroupNames []string `json:"group_names"`
	InvitedBy  string   `json:"invited_by"`
	Locale     string   `json:"locale"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`

	Status Status `json:"status"`
	Steps  Steps  `json:"steps"`

	PRNumber       int        `json:"pr_number,omitempty"`
	CertUsername   string     `json:"cert_username,omitempty"`
	CertVerifiedAt *time.Time `json:"cert_verified_at,omitempty"`
	RevertPRNumber int        `json:"revert_pr_number,omitempty"`

	// Invitee acceptance attempts.
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// Reconciler bookkeeping. Only ClearReconcileError resets it.
	ReconcileAttempts int        `json:"reconcile_attempts"`
	LastReconcileAt   *time.Time `json:"last_reconcile_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
}

// State returns the tagged status of the invite.
func (i *Invite) State() State {
	switch i.Status {
	case StatusAccepted:
		return Accepted{Username: i.UsedBy}
	case StatusRevoking:
		return Revoking{RevertPR: i.RevertPRNumber}
	case StatusRevoked:
		return Revoked{}
	default:
		return Pending{}
	}
}

// Has reports whether every flag in f is set.
func (i *Invite) Has(f Steps) bool { return i.Steps.Has(f) }

// Failed reports whether the reconciler gave up on the invite.
func (i *Invite) Failed() bool { return i.FailedAt != nil }

// Active reports whether the invite still blocks a new invite for its email.
func (i *Invite) Active(now time.Time) bool {
	return i.Status == StatusPending && i.UsedAt == nil && now.Before(i.ExpiresAt)
}

// Clone returns a deep copy.
func (i *Invite) Clone() *Invite {
	c := *i
	c.Groups = append([]string(nil), i.Groups...)
	c.GroupNames = append([]string(nil), i.GroupNames...)
	c.UsedAt = cloneTime(i.UsedAt)
	c.CertVerifiedAt = cloneTime(i.CertVerifiedAt)
	c.LastAttemptAt = cloneTime(i.LastAttemptAt)
	c.LastReconcileAt = cloneTime(i.LastReconcileAt)
	c.FailedAt = cloneTime(i.FailedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// NewInvite is the input to Store.Create.
type NewInvite struct {
	Email      string
	Groups     []string
	GroupNames []string
	InvitedBy  string
	Locale     string
	TTL        time.Duration
	Now        time.Time
}

// Created is returned by Store.Create and Store.RotateToken.
// Token is the raw secret; it is the only time callers see it outside the store.
type Created struct {
	ID        string
	Token     string
	ExpiresAt time.Time
}

// Revocation is the audit row written when a provisioned user is revoked.
type Revocation struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	Reason         string    `json:"reason"`
	RevokedAt      time.Time `json:"revoked_at"`
	RevokedBy      string    `json:"revoked_by"`
	RevertPRNumber int       `json:"revert_pr_number,omitempty"`
}
