// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package invites

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrDuplicatePending      = errors.New("an active invite already exists for this email")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrNotFoundOrAlreadyUsed = errors.New("invite not found or already used")
	ErrNotFound              = errors.New("invite not found")
	ErrPreviouslyRevoked     = errors.New("email was previously revoked")
	ErrRateLimited           = errors.New("too many attempts")
	ErrPermanentFailure      = errors.New("permanent failure")
)

// ValidationError names the offending input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PreviouslyRevokedError carries the audit row that blocks a new invite.
type PreviouslyRevokedError struct {
	Revocation *Revocation
}

func (e *PreviouslyRevokedError) Error() string {
	return fmt.Sprintf("%s was revoked at %s by %s: %s",
		e.Revocation.Email, e.Revocation.RevokedAt.UTC().Format("2006-01-02T15:04:05Z"),
		e.Revocation.RevokedBy, e.Revocation.Reason)
}

func (e *PreviouslyRevokedError) Unwrap() error { return ErrPreviouslyRevoked }
