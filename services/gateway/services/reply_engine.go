// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/observability"
	"github.com/sflowlabs/sfbot/services/gateway/session"
	"github.com/sflowlabs/sfbot/services/llm"
)

var engineTracer = otel.Tracer("sfbot.gateway.services.reply_engine")

// defaultRetryDelay is the fixed pause before the single rate-limit retry.
const defaultRetryDelay = 5 * time.Second

// Generation defaults applied when the request carries no valid values.
const (
	defaultTemperature      float32 = 0.75
	defaultFrequencyPenalty float32 = 0.0
	defaultPresencePenalty  float32 = 1.0
)

// TurnLogger persists completed exchanges. history.Recorder implements it.
type TurnLogger interface {
	LogTurn(ctx context.Context, rec datatypes.ChatTurnLog) (string, error)
}

// TextFilter rewrites sensitive words in outbound text. wordfilter.Filter
// implements it.
type TextFilter interface {
	Apply(ctx context.Context, orgID int64, text string) string
}

// GenerateRequest is the input to one reply generation.
type GenerateRequest struct {
	Turns      []datatypes.Turn
	Query      string
	SessionKey string
	Tenant     datatypes.TenantContext

	// Model is the resolved model override; empty uses the provider
	// default.
	Model string

	// Temperature in (0,1] is honored; zero or out-of-range values fall
	// back to the engine default.
	Temperature float64

	// Similarity is the best knowledge match for the query, recorded with
	// the turn.
	Similarity float64

	// UserID is the platform user id recorded with the turn, when known.
	UserID string

	// WithResources asks for media suggestions and inline insertion.
	WithResources bool
}

// GenerateResult is the outcome of one generation, batch or streaming.
type GenerateResult struct {
	// Text is the final post-processed reply, or the fixed apology when
	// Failed is set.
	Text      string
	Model     string
	Usage     datatypes.Usage
	LogID     string
	Resources []datatypes.Resource

	// Failed marks an apology reply; no turn was appended to the session.
	Failed bool
}

// ReplyEngine invokes the completion provider with the retry policy and
// post-processes replies: word filtering, resource insertion, durable turn
// logging.
type ReplyEngine struct {
	chat      llm.Client
	sessions  *session.Store
	filter    TextFilter
	logger    TurnLogger
	resources *ResourceFinder

	// providerFor builds a client for tenants that carry their own
	// provider credential. Nil means every tenant uses the shared client.
	providerFor func(datatypes.TenantContext) llm.Client

	retryDelay time.Duration
}

// NewReplyEngine wires the engine. retryDelay <= 0 falls back to the
// default.
func NewReplyEngine(chat llm.Client, sessions *session.Store, filter TextFilter, logger TurnLogger, resources *ResourceFinder, retryDelay time.Duration) *ReplyEngine {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &ReplyEngine{
		chat:       chat,
		sessions:   sessions,
		filter:     filter,
		logger:     logger,
		resources:  resources,
		retryDelay: retryDelay,
	}
}

// WithTenantProviders installs the per-tenant client factory and returns
// the engine for chaining.
func (e *ReplyEngine) WithTenantProviders(factory func(datatypes.TenantContext) llm.Client) *ReplyEngine {
	e.providerFor = factory
	return e
}

// client picks the completion client for a request. Tenants without their
// own credential share the process-wide client.
func (e *ReplyEngine) client(tc datatypes.TenantContext) llm.Client {
	if e.providerFor == nil || tc.Credential == "" {
		return e.chat
	}
	return e.providerFor(tc)
}

// run dispatches to batch or streaming generation based on whether the
// caller wants deltas.
func (e *ReplyEngine) run(ctx context.Context, req GenerateRequest, emit func(delta string) error) *GenerateResult {
	if emit == nil {
		return e.Generate(ctx, req)
	}
	return e.GenerateStream(ctx, req, emit)
}

// Generate runs one batch completion. Rate limits are retried exactly
// once after a fixed delay; every other provider failure maps to a fixed
// apology. An unclassified failure additionally resets the session.
func (e *ReplyEngine) Generate(ctx context.Context, req GenerateRequest) *GenerateResult {
	ctx, span := engineTracer.Start(ctx, "replyengine.Generate")
	defer span.End()

	params := e.generationParams(req)
	var reply *llm.Reply
	var err error
	for attempt := 0; ; attempt++ {
		reply, err = e.client(req.Tenant).Chat(ctx, req.Turns, params)
		if err == nil {
			break
		}
		if llm.KindOf(err) == llm.KindRateLimited && attempt == 0 {
			slog.Warn("Provider rate limited, retrying once", "delay", e.retryDelay)
			if !e.sleep(ctx) {
				return e.failure(ctx, req, err, span)
			}
			continue
		}
		return e.failure(ctx, req, err, span)
	}

	span.SetAttributes(
		attribute.String("llm.model", reply.Model),
		attribute.Int("llm.total_tokens", reply.Usage.TotalTokens),
	)
	e.sessions.AppendAssistant(req.SessionKey, reply.Content)
	return e.finish(ctx, req, reply.Content, reply.Model, reply.Usage)
}

// GenerateStream runs one streaming completion, calling emit for each
// delta as it arrives. Post-processing runs exactly once on the assembled
// text after the stream completes, never per chunk. A cancelled stream
// still logs whatever partial text was generated.
func (e *ReplyEngine) GenerateStream(ctx context.Context, req GenerateRequest, emit func(delta string) error) *GenerateResult {
	ctx, span := engineTracer.Start(ctx, "replyengine.GenerateStream")
	defer span.End()

	params := e.generationParams(req)
	var stream llm.Stream
	var err error
	for attempt := 0; ; attempt++ {
		stream, err = e.client(req.Tenant).ChatStream(ctx, req.Turns, params)
		if err == nil {
			break
		}
		if llm.KindOf(err) == llm.KindRateLimited && attempt == 0 {
			slog.Warn("Provider rate limited, retrying once", "delay", e.retryDelay)
			if !e.sleep(ctx) {
				return e.failure(ctx, req, err, span)
			}
			continue
		}
		return e.failure(ctx, req, err, span)
	}
	defer stream.Close()

	var text string
	var usage datatypes.Usage
	var model string
	for {
		chunk, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			if ctx.Err() != nil || errors.Is(recvErr, context.Canceled) {
				// Client went away; the provider call still cost tokens,
				// so account for the partial turn.
				span.SetAttributes(attribute.Bool("llm.stream_cancelled", true))
				e.logPartial(ctx, req, text, model, usage)
				return &GenerateResult{Text: text, Model: model, Usage: usage, Failed: true}
			}
			if text == "" {
				return e.failure(ctx, req, recvErr, span)
			}
			// Mid-stream provider failure with partial output: keep what
			// we have rather than discarding a half answer.
			slog.Warn("Stream ended early, keeping partial reply", "error", recvErr)
			break
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Content == "" {
			continue
		}
		text += chunk.Content
		if err := emit(chunk.Content); err != nil {
			span.SetAttributes(attribute.Bool("llm.stream_cancelled", true))
			e.logPartial(ctx, req, text, model, usage)
			return &GenerateResult{Text: text, Model: model, Usage: usage, Failed: true}
		}
	}

	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.total_tokens", usage.TotalTokens),
	)
	e.sessions.AppendAssistant(req.SessionKey, text)
	return e.finish(ctx, req, text, model, usage)
}

// finish post-processes a successful reply: word filter, optional
// resource handling, durable logging.
func (e *ReplyEngine) finish(ctx context.Context, req GenerateRequest, text, model string, usage datatypes.Usage) *GenerateResult {
	result := &GenerateResult{Model: model, Usage: usage}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(usage.PromptTokens, usage.CompletionTokens, model)
	}
	text = e.filter.Apply(ctx, int64(req.Tenant.Tenant.OrgID), text)
	if req.WithResources && e.resources != nil {
		result.Resources = e.resources.Suggest(ctx, req.Tenant.Tenant.OrgID, text)
		text = e.resources.InsertInline(ctx, req.Tenant.Tenant.OrgID, text)
	}
	result.Text = text

	logID, err := e.logger.LogTurn(ctx, datatypes.ChatTurnLog{
		Tag:        req.SessionKey,
		OrgID:      req.Tenant.Tenant.OrgID,
		BotID:      req.Tenant.Tenant.BotID,
		UserID:     req.UserID,
		Question:   req.Query,
		Answer:     text,
		Model:      model,
		Usage:      usage,
		Similarity: req.Similarity,
	})
	if err != nil {
		slog.Warn("Turn logging failed", "session", req.SessionKey, "error", err)
	}
	result.LogID = logID
	return result
}

// logPartial records a cancelled stream's partial output so cost-bearing
// provider calls never go unlogged.
func (e *ReplyEngine) logPartial(ctx context.Context, req GenerateRequest, text, model string, usage datatypes.Usage) {
	if text == "" {
		return
	}
	e.sessions.AppendAssistant(req.SessionKey, text)
	_, err := e.logger.LogTurn(context.WithoutCancel(ctx), datatypes.ChatTurnLog{
		Tag:        req.SessionKey,
		OrgID:      req.Tenant.Tenant.OrgID,
		BotID:      req.Tenant.Tenant.BotID,
		UserID:     req.UserID,
		Question:   req.Query,
		Answer:     text,
		Model:      model,
		Usage:      usage,
		Similarity: req.Similarity,
	})
	if err != nil {
		slog.Warn("Partial turn logging failed", "session", req.SessionKey, "error", err)
	}
}

// failure maps a provider error to its fixed apology reply. Unclassified
// failures reset the session on the assumption that its context is
// corrupted.
func (e *ReplyEngine) failure(_ context.Context, req GenerateRequest, err error, span trace.Span) *GenerateResult {
	kind := llm.KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	slog.Warn("Provider call failed", "kind", kind.String(), "error", err)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordProviderError(kind.String())
	}

	var text string
	switch kind {
	case llm.KindRateLimited:
		text = ReplyRateLimited
	case llm.KindConnectionFailed:
		text = ReplyConnectionFailed
	case llm.KindTimeout:
		text = ReplyTimeout
	case llm.KindServerUnavailable:
		text = ReplyServerUnavailable
	case llm.KindBadRequest:
		text = "Bad request"
		var pe *llm.ProviderError
		if errors.As(err, &pe) && pe.Message != "" {
			text = pe.Message
		}
	default:
		e.sessions.Reset(req.SessionKey)
		text = ReplyUnknownFailure
	}
	return &GenerateResult{Text: text, Failed: true}
}

func (e *ReplyEngine) generationParams(req GenerateRequest) llm.GenerationParams {
	temp := defaultTemperature
	if req.Temperature > 0 && req.Temperature <= 1.0 {
		temp = float32(req.Temperature)
	}
	freq := defaultFrequencyPenalty
	pres := defaultPresencePenalty
	return llm.GenerationParams{
		Model:            req.Model,
		Temperature:      &temp,
		FrequencyPenalty: &freq,
		PresencePenalty:  &pres,
	}
}

// sleep pauses for the retry delay, returning false when the context ends
// first.
func (e *ReplyEngine) sleep(ctx context.Context) bool {
	timer := time.NewTimer(e.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
