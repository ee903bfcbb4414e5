// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package admin implements the administrator endpoints under /api/admin.
// Every route expects the caller to be authenticated; the admin name is read
// from the request context.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	adminsvc "github.com/MahdiBaghbani/onboarding-go/internal/components/admin"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/api"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/invites"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/reconciler"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/revocation"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	httpapi "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/api"
)

// Invites reads and creates invites and manages revocation rows.
type Invites interface {
	CreateInvite(ctx context.Context, req adminsvc.CreateRequest) (*adminsvc.View, error)
	ListPending(ctx context.Context) ([]*adminsvc.View, error)
	ListFailed(ctx context.Context) ([]*adminsvc.View, error)
	GetInvite(ctx context.Context, id string) (*adminsvc.View, error)
	ListRevocations(ctx context.Context) ([]*invites.Revocation, error)
	DeleteRevocation(ctx context.Context, id string) error
}

// Provisioner re-drives provisioning for an invite or an existing user.
type Provisioner interface {
	Resend(ctx context.Context, id string) (*invites.Created, error)
	Retry(ctx context.Context, id string) error
	RenewCert(ctx context.Context, email, locale string) error
}

// Revoker withdraws invites and accounts.
type Revoker interface {
	RevokeInvite(ctx context.Context, id string) (*revocation.Outcome, error)
	RevokeUser(ctx context.Context, in revocation.UserRevocation) (*invites.Revocation, error)
}

// Reconciler runs one reconciliation cycle on demand.
type Reconciler interface {
	Trigger(ctx context.Context) (reconciler.Stats, error)
}

// Handler serves the admin routes.
type Handler struct {
	invites     Invites
	provisioner Provisioner
	revoker     Revoker
	reconciler  Reconciler
}

func NewHandler(inv Invites, p Provisioner, rv Revoker, rc Reconciler) *Handler {
	return &Handler{invites: inv, provisioner: p, revoker: rv, reconciler: rc}
}

// Routes registers the admin routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/invites", h.HandleCreateInvite)
	r.Get("/invites", h.HandleListInvites)
	r.Get("/invites/{id}", h.HandleGetInvite)
	r.Post("/invites/{id}/resend", h.HandleResend)
	r.Post("/invites/{id}/retry", h.HandleRetry)
	r.Post("/invites/{id}/revoke", h.HandleRevokeInvite)

	r.Post("/users/renew-cert", h.HandleRenewCert)
	r.Post("/users/{username}/revoke", h.HandleRevokeUser)

	r.Get("/revocations", h.HandleListRevocations)
	r.Delete("/revocations/{id}", h.HandleDeleteRevocation)

	r.Post("/reconcile", h.HandleReconcile)
}

// HandleCreateInvite handles POST /invites.
func (h *Handler) HandleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req adminsvc.CreateRequest
	if !httpapi.DecodeJSON(w, r, &req, false) {
		return
	}
	view, err := h.invites.CreateInvite(r.Context(), req)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, view)
}

// HandleListInvites handles GET /invites?state=pending|failed. The state
// defaults to pending.
func (h *Handler) HandleListInvites(w http.ResponseWriter, r *http.Request) {
	var (
		views []*adminsvc.View
		err   error
	)
	switch state := r.URL.Query().Get("state"); state {
	case "", "pending":
		views, err = h.invites.ListPending(r.Context())
	case "failed":
		views, err = h.invites.ListFailed(r.Context())
	default:
		httpapi.WriteBadRequest(w, httpapi.ReasonInvalidField, "state must be pending or failed")
		return
	}
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	if views == nil {
		views = []*adminsvc.View{}
	}
	httpapi.WriteJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleGetInvite(w http.ResponseWriter, r *http.Request) {
	view, err := h.invites.GetInvite(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, view)
}

// ResendResponse reports the rotated token's expiry. The token itself only
// travels in the invite email.
type ResendResponse struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) HandleResend(w http.ResponseWriter, r *http.Request) {
	created, err := h.provisioner.Resend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, ResendResponse{ID: created.ID, ExpiresAt: created.ExpiresAt})
}

func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	if err := h.provisioner.Retry(r.Context(), chi.URLParam(r, "id")); err != nil {
		api.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RevokeInviteResponse reports where the revocation left the invite.
type RevokeInviteResponse struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	RevertPRNumber int    `json:"revert_pr_number,omitempty"`
}

// HandleRevokeInvite answers 200 when the invite is revoked and 202 while
// the revert PR waits to be merged.
func (h *Handler) HandleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := h.revoker.RevokeInvite(r.Context(), id)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if _, ok := out.State.(invites.Revoking); ok {
		status = http.StatusAccepted
	}
	httpapi.WriteJSON(w, status, RevokeInviteResponse{
		ID:             id,
		State:          out.State.String(),
		RevertPRNumber: out.RevertPR,
	})
}

// RevokeUserRequest is the body of POST /users/{username}/revoke.
type RevokeUserRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

func (h *Handler) HandleRevokeUser(w http.ResponseWriter, r *http.Request) {
	var req RevokeUserRequest
	if !httpapi.DecodeJSON(w, r, &req, false) {
		return
	}
	rev, err := h.revoker.RevokeUser(r.Context(), revocation.UserRevocation{
		Username:  chi.URLParam(r, "username"),
		Email:     req.Email,
		Reason:    req.Reason,
		RevokedBy: appctx.Actor(r.Context()),
	})
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, rev)
}

// RenewCertRequest is the body of POST /users/renew-cert.
type RenewCertRequest struct {
	Email  string `json:"email"`
	Locale string `json:"locale"`
}

func (h *Handler) HandleRenewCert(w http.ResponseWriter, r *http.Request) {
	var req RenewCertRequest
	if !httpapi.DecodeJSON(w, r, &req, false) {
		return
	}
	if err := h.provisioner.RenewCert(r.Context(), req.Email, req.Locale); err != nil {
		api.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleListRevocations(w http.ResponseWriter, r *http.Request) {
	list, err := h.invites.ListRevocations(r.Context())
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	if list == nil {
		list = []*invites.Revocation{}
	}
	httpapi.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) HandleDeleteRevocation(w http.ResponseWriter, r *http.Request) {
	if err := h.invites.DeleteRevocation(r.Context(), chi.URLParam(r, "id")); err != nil {
		api.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReconcile runs one reconciliation cycle and returns its stats.
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reconciler.Trigger(r.Context())
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, stats)
}
