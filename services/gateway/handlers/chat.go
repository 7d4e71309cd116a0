// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin HTTP handlers of the gateway: batch
// chat, SSE streaming chat and health.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/sflowlabs/sfbot/pkg/validation"
	"github.com/sflowlabs/sfbot/services/gateway/observability"
	"github.com/sflowlabs/sfbot/services/gateway/services"
)

var chatTracer = otel.Tracer("sfbot.gateway.handlers")

// QueryGateway handles one normalized query turn. services.Gateway
// implements it.
type QueryGateway interface {
	HandleQuery(ctx context.Context, req services.ChatRequest) services.ChatReply
	HandleQueryStream(ctx context.Context, req services.ChatRequest, emit func(delta string) error) services.ChatReply
}

// ChatQueryRequest is the JSON body of POST /v1/chat and /v1/chat/stream.
// The channel adapter has already normalized the vendor payload into this
// shape.
type ChatQueryRequest struct {
	Query    string `json:"query" binding:"required"`
	UserKey  string `json:"user_key" binding:"required"`
	TenantID string `json:"tenant_id"`
	UserFlag string `json:"user_flag"`
	UserID   string `json:"user_id"`

	Temperature   float64 `json:"temperature"`
	Persona       string  `json:"persona"`
	Model         string  `json:"model"`
	KeepTurns     int     `json:"keep_turns"`
	WithResources bool    `json:"with_resources"`
	ForwardOnly   bool    `json:"forward_only"`

	FileChat bool   `json:"file_chat"`
	FileIDs  string `json:"file_ids"`

	TeamMode      bool   `json:"team_mode"`
	TeamBotKeep   int    `json:"team_bot_keep"`
	TeamID        int    `json:"team_id"`
	TeamBotID     int    `json:"team_bot_id"`
	AssistantUser string `json:"assistant_user"`
}

func (r ChatQueryRequest) toChatRequest() services.ChatRequest {
	return services.ChatRequest{
		Query:         r.Query,
		UserKey:       r.UserKey,
		TenantID:      r.TenantID,
		UserFlag:      r.UserFlag,
		UserID:        r.UserID,
		Temperature:   r.Temperature,
		Persona:       r.Persona,
		Model:         r.Model,
		KeepTurns:     r.KeepTurns,
		WithResources: r.WithResources,
		ForwardOnly:   r.ForwardOnly,
		FileChat:      r.FileChat,
		FileIDs:       r.FileIDs,
		TeamMode:      r.TeamMode,
		TeamBotKeep:   r.TeamBotKeep,
		TeamID:        r.TeamID,
		TeamBotID:     r.TeamBotID,
		AssistantUser: r.AssistantUser,
	}
}

// validate rejects identifiers that cannot safely be embedded in Redis
// keys.
func (r ChatQueryRequest) validate() error {
	if err := validation.ValidateSessionKey(r.UserKey); err != nil {
		return err
	}
	return validation.ValidateTenantID(r.TenantID)
}

// HandleChat runs one batch query turn. The reply text carries the
// trailing sf-json metadata block; the parsed metadata is returned
// alongside for clients that do not want to strip it themselves.
func HandleChat(gw QueryGateway, metrics *observability.GatewayMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleChat")
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

		start := time.Now()
		reply := gw.HandleQuery(ctx, req.toChatRequest())
		if metrics != nil {
			metrics.RecordTurn("batch", replyStatus(reply), time.Since(start).Seconds())
		}

		c.JSON(http.StatusOK, gin.H{
			"reply": reply.Text,
			"meta":  reply.Meta,
		})
	}
}

// replyStatus classifies a reply for the turn counter.
func replyStatus(reply services.ChatReply) string {
	switch {
	case reply.Text == services.ReplySessionReset:
		return observability.StatusReset
	case reply.Failed:
		return observability.StatusApology
	case reply.Cached:
		return observability.StatusCached
	default:
		return observability.StatusSuccess
	}
}
