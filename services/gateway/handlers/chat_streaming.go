// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/observability"
)

// keepAliveInterval paces SSE comment pings while generation is slow.
const keepAliveInterval = 15 * time.Second

// HandleChatStream runs one streaming query turn over SSE. Token deltas
// arrive as token events; the terminal done event carries the parsed
// reply metadata. An apology arrives as an error event followed by done.
func HandleChatStream(gw QueryGateway, metrics *observability.GatewayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		var req ChatQueryRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the chat request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		if metrics != nil {
			metrics.StreamStarted()
			defer metrics.StreamEnded()
		}

		// An immediate status event confirms the stream is live before the
		// first token arrives.
		if err := writer.WriteStatus("generating"); err != nil {
			slog.Info("Client disconnected before status event", "session", req.UserKey)
			return
		}

		// Keepalive pings bridge the gap until the first token.
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(keepAliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := writer.WriteKeepAlive(); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		start := time.Now()
		reply := gw.HandleQueryStream(ctx, req.toChatRequest(), writer.WriteToken)
		close(done)

		if metrics != nil {
			metrics.RecordTurn("stream", replyStatus(reply), time.Since(start).Seconds())
		}

		if reply.Failed {
			if err := writer.WriteError(stripBlock(reply.Text)); err != nil {
				slog.Info("Client disconnected before error event", "session", req.UserKey)
				return
			}
		}
		if err := writer.WriteDone(&reply.Meta); err != nil {
			slog.Info("Client disconnected before done event", "session", req.UserKey)
		}
	}
}

// stripBlock removes the trailing sf-json block so error events carry
// only the human-readable apology.
func stripBlock(text string) string {
	stripped, _ := datatypes.StripMetadata(text)
	return stripped
}
