// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the wire and domain types shared across the
// gateway: conversation turns, tenant/team references, retrieval hits,
// routing decisions and the sf-json reply metadata convention.
package datatypes

// Chat roles. A session holds at most one system turn, always at index 0.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// UserFlag values controlling visibility of internal-only documents and teams.
const (
	UserFlagInternal = "internal"
	UserFlagExternal = "external"
)
