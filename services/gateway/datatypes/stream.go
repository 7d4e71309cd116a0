// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Stream event types emitted over SSE.
const (
	EventStatus = "status"
	EventToken  = "token"
	EventError  = "error"
	EventDone   = "done"
)

// StreamEvent is one server-sent event of a streaming reply. The done
// event carries the parsed reply metadata so channel adapters do not have
// to reassemble and strip the sf-json block themselves.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`

	// Content is the token delta (token events).
	Content string `json:"content,omitempty"`

	// Message is a human-readable progress note (status events).
	Message string `json:"message,omitempty"`

	// Error is the sanitized failure description (error events).
	Error string `json:"error,omitempty"`

	// Meta is the reply metadata (done events only).
	Meta *ReplyMetadata `json:"meta,omitempty"`
}
