// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateSessionKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"channel prefixed", "wx:user:1", false},
		{"openid style", "wx:openid:oXy12-Ab_c", false},
		{"email style", "web:user@example.com", false},
		{"bare id", "12345", false},
		{"max length", strings.Repeat("a", MaxKeyLength), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxKeyLength+1), true},
		{"glob star", "wx:user:*", true},
		{"glob brackets", "wx:user:[1]", true},
		{"whitespace", "wx user 1", true},
		{"newline", "wx:user:1\n", true},
		{"control char", "wx:user:\x00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTenantID(t *testing.T) {
	if err := ValidateTenantID(""); err != nil {
		t.Errorf("empty tenant id should be allowed: %v", err)
	}
	if err := ValidateTenantID("org:4:bot:9"); err != nil {
		t.Errorf("composite tenant id should be valid: %v", err)
	}
	if err := ValidateTenantID("org:4 bot:9"); err == nil {
		t.Error("whitespace in tenant id should be rejected")
	}
	if err := ValidateTenantID("org:*"); err == nil {
		t.Error("glob metacharacter in tenant id should be rejected")
	}
}

