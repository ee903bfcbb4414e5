// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package api

import (
	"net/http"

	httpapi "github.com/MahdiBaghbani/onboarding-go/internal/platform/http/api"
)

// HealthResponse is the body of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthHandler handles GET /api/healthz.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
