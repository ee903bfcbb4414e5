// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package admin

import (
	"time"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
)

// View is the admin-facing representation of an invite. It never carries
// the token.
type View struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Groups         []string   `json:"groups"`
	InvitedBy      string     `json:"invited_by"`
	Locale         string     `json:"locale"`
	State          string     `json:"state"`
	Steps          []string   `json:"steps"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	UsedBy         string     `json:"used_by,omitempty"`
	PRNumber       int        `json:"pr_number,omitempty"`
	CertUsername   string     `json:"cert_username,omitempty"`
	CertVerifiedAt *time.Time `json:"cert_verified_at,omitempty"`
	RevertPRNumber int        `json:"revert_pr_number,omitempty"`

	ReconcileAttempts int        `json:"reconcile_attempts"`
	LastError         string     `json:"last_error,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
}

func NewView(inv *invites.Invite) *View {
	return &View{
		ID:                inv.ID,
		Email:             inv.Email,
		Groups:            inv.GroupNames,
		InvitedBy:         inv.InvitedBy,
		Locale:            inv.Locale,
		State:             inv.State().String(),
		Steps:             inv.Steps.Names(),
		CreatedAt:         inv.CreatedAt,
		ExpiresAt:         inv.ExpiresAt,
		UsedAt:            inv.UsedAt,
		UsedBy:            inv.UsedBy,
		PRNumber:          inv.PRNumber,
		CertUsername:      inv.CertUsername,
		CertVerifiedAt:    inv.CertVerifiedAt,
		RevertPRNumber:    inv.RevertPRNumber,
		ReconcileAttempts: inv.ReconcileAttempts,
		LastError:         inv.LastError,
		FailedAt:          inv.FailedAt,
	}
}

func NewViews(list []*invites.Invite) []*View {
	out := make([]*View, len(list))
	for i, inv := range list {
		out[i] = NewView(inv)
	}
	return out
}
