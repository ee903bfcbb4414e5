// SPDX-License-Identifier: AGPL-3.0-or-later
// SPDX-FileCopyrightText: 2025 OpenCloudMesh Authors

package invites

import (
	"regexp"
	"strings"
	"unicode"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,31}$`)

// MinPasswordLength is the shortest password accepted at account creation.
const MinPasswordLength = 12

// DeriveUsername builds the candidate username from the email local part,
// keeping only [a-z0-9_-]. The result is padded or trimmed to a valid length.
func DeriveUsername(email string) string {
	local := email
	if at := strings.LastIndex(email, "@"); at >= 0 {
		local = email[:at]
	}
	local = strings.ToLower(local)

	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	name := strings.TrimLeft(b.String(), "_-")
	if len(name) > 32 {
		name = name[:32]
	}
	for len(name) < 3 {
		name += "0"
	}
	if name == "000" {
		name = "user"
	}
	return name
}

// ValidateUsername checks the username format chosen by the invitee.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return Invalid("username", "must be 3-32 characters of a-z, 0-9, _ or -, starting with a letter or digit")
	}
	return nil
}

// ValidatePassword requires MinPasswordLength characters from at least three
// of: lowercase, uppercase, digits, symbols.
func ValidatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return Invalid("password", "must be at least %d characters", MinPasswordLength)
	}

	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, other} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return Invalid("password", "must mix at least three of lowercase, uppercase, digits and symbols")
	}
	return nil
}
