// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists completed exchanges and usage accounting.
//
// Everything here is best-effort by contract: a failed history write,
// counter bump, or notification never fails the user-facing reply. Callers
// log the error and move on.
package history

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

var historyTracer = otel.Tracer("sfbot.gateway.history")

// monthlyStatLayout formats the per-month usage counter field, e.g.
// "stat_202608".
const monthlyStatLayout = "stat_200601"

// Recorder writes durable chat history to Weaviate and usage counters to
// the tenant bot hash in Redis.
type Recorder struct {
	weaviate *weaviate.Client
	rdb      redis.UniversalClient
}

// NewRecorder builds a recorder over established connections.
func NewRecorder(client *weaviate.Client, rdb redis.UniversalClient) *Recorder {
	return &Recorder{weaviate: client, rdb: rdb}
}

// LogTurn persists one completed exchange and returns the record id. Blank
// answers and bot 0 (an unconfigured tenant) are skipped with an empty id
// and no error. Token-bearing calls bump the tenant's monthly counter even
// when the tenant is otherwise unconfigured.
func (r *Recorder) LogTurn(ctx context.Context, rec datatypes.ChatTurnLog) (string, error) {
	ctx, span := historyTracer.Start(ctx, "history.LogTurn")
	defer span.End()

	if rec.Usage.TotalTokens > 0 {
		r.bumpMonthlyCounter(ctx, datatypes.TenantRef{OrgID: rec.OrgID, BotID: rec.BotID})
	}
	if rec.BotID == 0 || strings.TrimSpace(rec.Answer) == "" {
		return "", nil
	}
	// Lightweight mode: no history store configured.
	if r.weaviate == nil {
		return "", nil
	}

	props := map[string]interface{}{
		"tag":              rec.Tag,
		"organizationId":   rec.OrgID,
		"sfbotId":          rec.BotID,
		"question":         rec.Question,
		"answer":           rec.Answer,
		"model":            rec.Model,
		"similarity":       rec.Similarity,
		"promptTokens":     rec.Usage.PromptTokens,
		"completionTokens": rec.Usage.CompletionTokens,
		"totalTokens":      rec.Usage.TotalTokens,
		"timestamp":        time.Now().UnixMilli(),
	}
	if rec.UserID != "" {
		props["userId"] = rec.UserID
	}

	result, err := r.weaviate.Data().Creator().
		WithClassName(ChatHistoryClass).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to save chat history record: %w", err)
	}
	if result == nil || result.Object == nil {
		return "", fmt.Errorf("chat history record created but no id returned")
	}
	return result.Object.ID.String(), nil
}

// bumpMonthlyCounter increments the tenant's stat_YYYYMM usage field.
func (r *Recorder) bumpMonthlyCounter(ctx context.Context, tenant datatypes.TenantRef) {
	r.rdb.HIncrBy(ctx, tenant.MetaKey(), time.Now().Format(monthlyStatLayout), 1)
}

// notificationContent packs question and answer into the base64 payload
// carried by the notification mutation.
func notificationContent(question, answer string) string {
	return base64.StdEncoding.EncodeToString([]byte(question + "\n\n" + answer))
}
