package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/http/api"
)

func TestWriteError_EnvelopeShape(t *testing.T) {
	w := httptest.NewRecorder()

	api.WriteError(w, http.StatusConflict, api.ReasonDuplicatePending, "an active invite exists")

	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var envelope api.ErrorEnvelope
	if err := json.NewDecoder(w.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if envelope.Error.Code != "Conflict" {
		t.Errorf("expected code 'Conflict', got %q", envelope.Error.Code)
	}
	if envelope.Error.ReasonCode != api.ReasonDuplicatePending {
		t.Errorf("expected reason_code %q, got %q", api.ReasonDuplicatePending, envelope.Error.ReasonCode)
	}
}

func TestReasonCodesStable(t *testing.T) {
	codes := map[string]string{
		"unauthenticated":           api.ReasonUnauthenticated,
		"rate_limited":              api.ReasonRateLimited,
		"invalid_field":             api.ReasonInvalidField,
		"duplicate_pending":         api.ReasonDuplicatePending,
		"invalid_or_expired_token":  api.ReasonInvalidOrExpired,
		"not_found_or_already_used": api.ReasonAlreadyUsed,
		"previously_revoked":        api.ReasonPreviouslyRevoked,
		"internal_error":            api.ReasonInternalError,
	}
	for expected, actual := range codes {
		if actual != expected {
			t.Errorf("reason code constant changed: expected %q, got %q", expected, actual)
		}
	}
}
