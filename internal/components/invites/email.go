// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package invites

import (
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeEmail lowercases the local part and converts the domain to its
// IDNA ASCII form, so that equal mailboxes compare equal in the store.
func NormalizeEmail(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", Invalid("email", "is required")
	}
	if strings.ContainsAny(s, " \t\r\n<>,;\"") {
		return "", Invalid("email", "contains invalid characters")
	}

	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", Invalid("email", "must be of the form local@domain")
	}
	local, domain := s[:at], s[at+1:]
	if strings.Contains(local, "@") {
		return "", Invalid("email", "must contain a single @")
	}

	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		return "", Invalid("email", "domain %q is not valid: %v", domain, err)
	}
	if !strings.Contains(ascii, ".") {
		return "", Invalid("email", "domain %q is not fully qualified", domain)
	}

	return strings.ToLower(local) + "@" + strings.ToLower(ascii), nil
}
