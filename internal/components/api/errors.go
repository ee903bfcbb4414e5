// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package api holds the HTTP surface: the public accept endpoint, the
// admin endpoints and the mapping from domain errors to responses.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/reconciler"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	httpapi "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/api"
)

// Status returns the HTTP status and reason code for a domain error.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, invites.ErrValidation):
		return http.StatusBadRequest, httpapi.ReasonInvalidField
	case errors.Is(err, invites.ErrPreviouslyRevoked):
		return http.StatusConflict, httpapi.ReasonPreviouslyRevoked
	case errors.Is(err, invites.ErrDuplicatePending):
		return http.StatusConflict, httpapi.ReasonDuplicatePending
	case errors.Is(err, invites.ErrInvalidOrExpiredToken):
		return http.StatusBadRequest, httpapi.ReasonInvalidOrExpired
	case errors.Is(err, reconciler.ErrLeaseHeld):
		return http.StatusConflict, httpapi.ReasonReconcileInProgress
	case errors.Is(err, invites.ErrRateLimited):
		return http.StatusTooManyRequests, httpapi.ReasonRateLimited
	case errors.Is(err, invites.ErrNotFoundOrAlreadyUsed):
		return http.StatusNotFound, httpapi.ReasonAlreadyUsed
	case errors.Is(err, invites.ErrNotFound):
		return http.StatusNotFound, httpapi.ReasonNotFound
	case capabilities.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, httpapi.ReasonUpstreamUnavailable
	case errors.Is(err, invites.ErrPermanentFailure):
		return http.StatusBadGateway, httpapi.ReasonUpstreamFailed
	default:
		return http.StatusInternalServerError, httpapi.ReasonInternalError
	}
}

// WriteError writes the response for err. Client errors carry the error
// text; server errors are logged and answered with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, reason := Status(err)
	logger := appctx.GetLogger(r.Context())
	switch {
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		logger.Warn("upstream failure", "error", err, "status", status)
		httpapi.WriteError(w, status, reason, http.StatusText(status))
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "error", err, "status", status)
		httpapi.WriteError(w, status, reason, http.StatusText(status))
	default:
		logger.Debug("request rejected", "error", err, "status", status)
		httpapi.WriteError(w, status, reason, err.Error())
	}
}
