// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

// Package accept implements the public endpoint an invitee uses to claim an
// invite and create their account.
package accept

import (
	"context"
	"net/http"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/acceptance"
	"github.com/MahdiBaghbani/onboarding-go/internal/components/api"
	"github.com/MahdiBaghbani/onboarding-go/internal/platform/appctx"
	httpapi "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/api"
)

// Acceptor creates the account behind an invite token.
type Acceptor interface {
	Accept(ctx context.Context, req acceptance.Request) (*acceptance.Result, error)
}

// Handler handles POST /api/accept.
type Handler struct {
	acceptor Acceptor
}

func NewHandler(acceptor Acceptor) *Handler {
	return &Handler{acceptor: acceptor}
}

// HandleAccept answers 201 with the created account.
func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	var req acceptance.Request
	if !httpapi.DecodeJSON(w, r, &req, false) {
		return
	}

	result, err := h.acceptor.Accept(r.Context(), req)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	appctx.GetLogger(r.Context()).Info("invite accepted", "username", result.Username)
	httpapi.WriteJSON(w, http.StatusCreated, result)
}
