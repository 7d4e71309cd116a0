// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

// SSEWriter writes server-sent events to an HTTP response. Every event is
// assigned a UUID and a millisecond timestamp and flushed immediately.
// Implementations are safe for concurrent use; the streaming handler
// emits tokens and keepalives from different goroutines.
type SSEWriter interface {
	// WriteEvent writes a single event in SSE wire format
	// (event: type\ndata: json\n\n).
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a progress note.
	WriteStatus(message string) error

	// WriteToken writes one token delta.
	WriteToken(content string) error

	// WriteError writes a sanitized failure description. The stream
	// should be closed afterwards.
	WriteError(errMsg string) error

	// WriteDone writes the terminal event carrying the reply metadata.
	WriteDone(meta *datatypes.ReplyMetadata) error

	// WriteKeepAlive sends an SSE comment to keep the connection alive
	// through load balancer idle timeouts during slow generations.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps a ResponseWriter for SSE output. The caller must set
// the SSE headers first via SetSSEHeaders. Fails when the ResponseWriter
// cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventStatus, Message: message})
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventToken, Content: content})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventError, Error: errMsg})
}

func (w *sseWriter) WriteDone(meta *datatypes.ReplyMetadata) error {
	return w.WriteEvent(datatypes.StreamEvent{Type: datatypes.EventDone, Meta: meta})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures the response headers for SSE streaming. Must
// be called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
