// Package api provides the JSON response helpers shared by every handler.
package api

import (
	"encoding/json"
	"net/http"
)

// Deterministic reason codes. Clients branch on these, so they stay stable
// across versions.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonUnauthorized    = "unauthorized"
	ReasonRateLimited     = "rate_limited"

	ReasonBadRequest   = "bad_request"
	ReasonMissingField = "missing_field"
	ReasonInvalidField = "invalid_field"
	ReasonNotFound     = "not_found"
	ReasonConflict     = "conflict"

	ReasonDuplicatePending    = "duplicate_pending"
	ReasonInvalidOrExpired    = "invalid_or_expired_token"
	ReasonAlreadyUsed         = "not_found_or_already_used"
	ReasonPreviouslyRevoked   = "previously_revoked"
	ReasonUpstreamUnavailable = "upstream_unavailable"
	ReasonUpstreamFailed      = "upstream_failed"
	ReasonReconcileInProgress = "reconcile_in_progress"

	ReasonInternalError = "internal_error"
)

// ErrorEnvelope is the standard error response format.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error information.
type ErrorDetail struct {
	Code       string `json:"code"`        // HTTP status text
	ReasonCode string `json:"reason_code"` // deterministic reason code
	Message    string `json:"message"`
}

// WriteError writes a standardized JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, reasonCode, message string) {
	WriteJSON(w, statusCode, ErrorEnvelope{
		Error: ErrorDetail{
			Code:       http.StatusText(statusCode),
			ReasonCode: reasonCode,
			Message:    message,
		},
	})
}

// WriteJSON writes v as a JSON body with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func WriteUnauthorized(w http.ResponseWriter, reasonCode, message string) {
	WriteError(w, http.StatusUnauthorized, reasonCode, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ReasonNotFound, message)
}

func WriteBadRequest(w http.ResponseWriter, reasonCode, message string) {
	WriteError(w, http.StatusBadRequest, reasonCode, message)
}

// WriteTooManyRequests writes a 429 Too Many Requests error.
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, ReasonRateLimited, message)
}

// WriteInternalError writes a 500. The message must not carry internal details.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ReasonInternalError, message)
}
