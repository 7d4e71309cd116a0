// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for security-critical
// identifiers.
//
// Session keys and tenant identifiers arrive from external channel
// adapters and end up embedded in Redis keys. Validating them at the
// HTTP boundary prevents key injection via glob metacharacters,
// whitespace, or control characters.
package validation

import (
	"fmt"
	"regexp"
)

// MaxKeyLength caps identifier length. Channel-prefixed user keys like
// "wx:openid:oXy12" stay well under this.
const MaxKeyLength = 128

// keyPattern matches valid session and tenant identifiers: letters,
// digits, and the separator characters the channel adapters emit.
// Redis glob metacharacters (* ? [ ]) and whitespace are excluded.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9:@._\-]+$`)

// ValidateSessionKey validates a user session key before it is used as
// part of a Redis key.
//
// Valid keys:
//   - 1 to MaxKeyLength characters
//   - Letters, digits, and : @ . _ -
//
// Returns an error describing the first violation.
func ValidateSessionKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("session key exceeds %d characters", MaxKeyLength)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid session key %q (letters, digits, and :@._- only)", key)
	}
	return nil
}

// ValidateTenantID validates a composite tenant identifier such as
// "org:4:bot:9". An empty tenant id is allowed; routing falls back to
// key-based resolution when it is absent.
func ValidateTenantID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > MaxKeyLength {
		return fmt.Errorf("tenant id exceeds %d characters", MaxKeyLength)
	}
	if !keyPattern.MatchString(id) {
		return fmt.Errorf("invalid tenant id %q (letters, digits, and :@._- only)", id)
	}
	return nil
}
