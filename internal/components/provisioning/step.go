// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package provisioning

import "github.com/MahdiBaghbani/onboarding-go/internal/components/invites"

// Action is the next provisioning step for an invite.
type Action int

const (
	ActionNone Action = iota
	ActionIssueCert
	ActionCreatePR
	ActionSendEmail
)

func (a Action) String() string {
	switch a {
	case ActionIssueCert:
		return "issue_cert"
	case ActionCreatePR:
		return "create_pr"
	case ActionSendEmail:
		return "send_email"
	default:
		return "none"
	}
}

// Effect is what a completed action adds to the invite.
type Effect struct {
	Steps        invites.Steps
	PRNumber     int
	CertUsername string
}

// Next returns the next runnable action. It depends only on the persisted
// steps and status, so the saga and the reconciler read progress the same
// way. Actions in skipped are not returned again.
func Next(inv *invites.Invite, skipped map[Action]bool) Action {
	switch inv.State().(type) {
	case invites.Revoking, invites.Revoked:
		return ActionNone
	}

	switch {
	case !inv.Has(invites.StepCertIssued):
		return ActionIssueCert
	case !inv.Has(invites.StepPRCreated) && !skipped[ActionCreatePR]:
		return ActionCreatePR
	case inv.Has(invites.StepPRMerged) && !inv.Has(invites.StepEmailSent) && !skipped[ActionSendEmail]:
		return ActionSendEmail
	}
	return ActionNone
}
