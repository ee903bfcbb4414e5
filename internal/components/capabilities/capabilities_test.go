// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package capabilities_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MahdiBaghbani/onboarding-go/internal/components/capabilities"
)

func TestTransient(t *testing.T) {
	if capabilities.Transient("op", nil) != nil {
		t.Error("expected nil for nil error")
	}

	base := errors.New("503 from upstream")
	err := fmt.Errorf("issue cert: %w", capabilities.Transient("issuer", base))
	if !capabilities.IsTransient(err) {
		t.Error("expected wrapped transient to be detected")
	}
	if !errors.Is(err, base) {
		t.Error("expected cause to be reachable")
	}
	if capabilities.IsTransient(base) {
		t.Error("plain error must not be transient")
	}
	if capabilities.IsTransient(capabilities.ErrNotMergeable) {
		t.Error("ErrNotMergeable is not transient")
	}
}
