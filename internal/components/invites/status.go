// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package invites

import (
	"fmt"
	"strings"
)

// Status is the persisted lifecycle column.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRevoking Status = "revoking"
	StatusRevoked  Status = "revoked"
)

// State is the tagged form of Status. Exactly one of Pending, Accepted,
// Revoking or Revoked.
type State interface {
	isState()
	String() string
}

type Pending struct{}

type Accepted struct {
	Username string
}

// Revoking carries the revert PR number, zero until the PR exists.
type Revoking struct {
	RevertPR int
}

type Revoked struct{}

func (Pending) isState()  {}
func (Accepted) isState() {}
func (Revoking) isState() {}
func (Revoked) isState()  {}

func (Pending) String() string    { return string(StatusPending) }
func (a Accepted) String() string { return fmt.Sprintf("accepted(%s)", a.Username) }
func (r Revoking) String() string { return fmt.Sprintf("revoking(#%d)", r.RevertPR) }
func (Revoked) String() string    { return string(StatusRevoked) }

// Steps is the provisioning progress bitmask shared by the saga and the reconciler.
type Steps uint16

const (
	StepCertIssued Steps = 1 << iota
	StepPRCreated
	StepPRMerged
	StepEmailSent
	StepCertVerified
	StepRevertPRCreated
	StepRevertPRMerged
)

var stepNames = []struct {
	step Steps
	name string
}{
	{StepCertIssued, "cert_issued"},
	{StepPRCreated, "pr_created"},
	{StepPRMerged, "pr_merged"},
	{StepEmailSent, "email_sent"},
	{StepCertVerified, "cert_verified"},
	{StepRevertPRCreated, "revert_pr_created"},
	{StepRevertPRMerged, "revert_pr_merged"},
}

// Has reports whether every flag in f is set.
func (s Steps) Has(f Steps) bool { return s&f == f }

func (s Steps) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, n := range stepNames {
		if s.Has(n.step) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Names lists the set flags, in step order.
func (s Steps) Names() []string {
	parts := []string{}
	for _, n := range stepNames {
		if s.Has(n.step) {
			parts = append(parts, n.name)
		}
	}
	return parts
}
