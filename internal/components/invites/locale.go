// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package invites

import "strings"

// Locales lists the languages the invite emails are written in.
var Locales = []string{"en", "de"}

// NormalizeLocale lowercases raw and strips any region ("de-AT" becomes "de").
// An empty raw yields fallback.
func NormalizeLocale(raw, fallback string) (string, error) {
	l := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	if l == "" {
		l = fallback
	}
	for _, known := range Locales {
		if l == known {
			return l, nil
		}
	}
	return "", Invalid("locale", "%q is not supported", raw)
}
