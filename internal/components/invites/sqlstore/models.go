// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package sqlstore

import (
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
)

type inviteRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Token     string `gorm:"size:64"`
	TokenHash string `gorm:"uniqueIndex;size:64;not null"`

	Email      string   `gorm:"index;size:320;not null"`
	Groups     []string `gorm:"serializer:json"`
	GroupNames []string `gorm:"serializer:json"`
	InvitedBy  string
	Locale     string `gorm:"size:16"`

	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
	UsedAt    *time.Time
	UsedBy    string

	Status string `gorm:"index;size:16;not null"`
	Steps  int    `gorm:"not null;default:0"`

	PRNumber       int
	CertUsername   string
	CertVerifiedAt *time.Time
	RevertPRNumber int

	Attempts      int
	LastAttemptAt *time.Time

	ReconcileAttempts int
	LastReconcileAt   *time.Time
	LastError         string
	FailedAt          *time.Time `gorm:"index"`
}

func (inviteRow) TableName() string { return "invites" }

type revocationRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	Email          string `gorm:"index;size:320;not null"`
	Username       string
	Reason         string
	RevokedAt      time.Time `gorm:"index"`
	RevokedBy      string
	RevertPRNumber int
}

func (revocationRow) TableName() string { return "revocations" }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (r *inviteRow) toInvite() *invites.Invite {
	return &invites.Invite{
		ID:                r.ID,
		Token:             r.Token,
		TokenHash:         r.TokenHash,
		Email:             r.Email,
		Groups:            append([]string{}, r.Groups...),
		GroupNames:        append([]string{}, r.GroupNames...),
		InvitedBy:         r.InvitedBy,
		Locale:            r.Locale,
		CreatedAt:         r.CreatedAt.UTC(),
		ExpiresAt:         r.ExpiresAt.UTC(),
		UsedAt:            utcPtr(r.UsedAt),
		UsedBy:            r.UsedBy,
		Status:            invites.Status(r.Status),
		Steps:             invites.Steps(r.Steps),
		PRNumber:          r.PRNumber,
		CertUsername:      r.CertUsername,
		CertVerifiedAt:    utcPtr(r.CertVerifiedAt),
		RevertPRNumber:    r.RevertPRNumber,
		Attempts:          r.Attempts,
		LastAttemptAt:     utcPtr(r.LastAttemptAt),
		ReconcileAttempts: r.ReconcileAttempts,
		LastReconcileAt:   utcPtr(r.LastReconcileAt),
		LastError:         r.LastError,
		FailedAt:          utcPtr(r.FailedAt),
	}
}

func (r *revocationRow) toRevocation() *invites.Revocation {
	return &invites.Revocation{
		ID:             r.ID,
		Email:          r.Email,
		Username:       r.Username,
		Reason:         r.Reason,
		RevokedAt:      r.RevokedAt.UTC(),
		RevokedBy:      r.RevokedBy,
		RevertPRNumber: r.RevertPRNumber,
	}
}

func toInvites(rows []inviteRow) []*invites.Invite {
	out := make([]*invites.Invite, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toInvite())
	}
	return out
}
