// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package capabilities declares the external systems the provisioning flow
// drives. Adapters live under internal/adapters.
package capabilities

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotMergeable reports that a pull request cannot be merged yet
// (checks pending, review required, conflicts). It is an expected outcome.
var ErrNotMergeable = errors.New("pull request is not mergeable")

// TransientError marks a failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// CertBundle is an issued client certificate packaged as PKCS#12.
type CertBundle struct {
	Bundle   []byte
	Password string
}

// CertIssuer issues client certificate bundles.
type CertIssuer interface {
	// Issue is idempotent per requestID: repeat calls return the same bundle.
	Issue(ctx context.Context, identity, requestID string) (*CertBundle, error)
	// CheckProcessed reports whether the deployment picked up the user's config.
	CheckProcessed(ctx context.Context, username string) (bool, error)
	DeleteSecret(ctx context.Context, requestID string) error
	DeleteByUsername(ctx context.Context, username string) error
}

// PullRequest identifies a change request in the code review system.
type PullRequest struct {
	URL             string
	Number          int
	DerivedUsername string
}

// CodeReviewGateway manages the config-repository pull requests.
type CodeReviewGateway interface {
	// CreateCertPR is idempotent per requestID.
	CreateCertPR(ctx context.Context, requestID, email, username string) (*PullRequest, error)
	CheckMerged(ctx context.Context, number int) (bool, error)
	// Merge returns ErrNotMergeable when the PR is blocked.
	Merge(ctx context.Context, number int) error
	Close(ctx context.Context, number int) error
	DeleteBranch(ctx context.Context, requestID string) error
	RevertFile(ctx context.Context, username, email string) (*PullRequest, error)
}

// User is a directory account.
type User struct {
	ID          string
	Email       string
	DisplayName string
}

// Group is a directory group.
type Group struct {
	ID   string
	Name string
}

// DirectoryService manages accounts in the identity directory.
type DirectoryService interface {
	CreateUser(ctx context.Context, id, email, displayName, firstName, lastName string) error
	SetPassword(ctx context.Context, userID, password string) error
	AddToGroup(ctx context.Context, userID, groupID string) error
	DeleteUser(ctx context.Context, userID string) error
	ListUsers(ctx context.Context) ([]User, error)
	ListGroups(ctx context.Context) ([]Group, error)
}

// InviteEmail is the content of an invite notification.
type InviteEmail struct {
	Email     string
	Token     string
	InvitedBy string
	Bundle    *CertBundle
	Locale    string
}

// Notifier sends transactional email.
type Notifier interface {
	SendInviteEmail(ctx context.Context, msg InviteEmail) error
	SendCertRenewalEmail(ctx context.Context, email string, bundle *CertBundle, locale string) error
}

// Event types.
const (
	EventInviteCreated = "invite.created"
)

// Event is an at-least-once notification.
type Event struct {
	Type    string
	Source  string
	ID      string
	Payload map[string]string
}

// EventSink accepts events fire-and-forget.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}
