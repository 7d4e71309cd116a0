// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/history"
	"github.com/sflowlabs/sfbot/services/gateway/routing"
	"github.com/sflowlabs/sfbot/services/gateway/session"
	"github.com/sflowlabs/sfbot/services/gateway/vectorindex"
)

var gatewayTracer = otel.Tracer("sfbot.gateway.services.gateway")

// notifyMaxDistance gates query-notification matches.
const notifyMaxDistance = 0.2

// DefaultClearCommand resets the session when received verbatim.
const DefaultClearCommand = "#清除记忆"

// ChatRequest is the normalized query tuple delivered by a channel
// adapter.
type ChatRequest struct {
	Query string

	// UserKey identifies the end user's rolling session.
	UserKey string

	// TenantID is the composite "org:N:bot:M" identifier.
	TenantID string

	// UserFlag is internal or external; empty means external.
	UserFlag string

	// UserID is the platform user id, recorded with the turn when known.
	UserID string

	Temperature float64

	// Persona is a request-supplied persona description.
	Persona string

	// Model is a request-supplied model override; ignored unless it names
	// a known model family.
	Model string

	// KeepTurns is how many prior exchanges to carry into the prompt.
	KeepTurns int

	// WithResources asks for media suggestions and inline insertion.
	WithResources bool

	// ForwardOnly skips retrieval and forwards persona plus query.
	ForwardOnly bool

	// FileChat scopes the query to file-chunk documents tagged FileIDs.
	FileChat bool
	FileIDs  string

	// Team routing hints.
	TeamMode      bool
	TeamBotKeep   int
	TeamID        int
	TeamBotID     int
	AssistantUser string
}

// ChatReply is the reply delivered back to the channel adapter. Text
// carries the trailing sf-json metadata block, Meta the parsed form.
type ChatReply struct {
	Text string
	Meta datatypes.ReplyMetadata

	// Cached marks a turn answered from a curated Q/A pair.
	Cached bool

	// Failed marks an apology reply.
	Failed bool
}

// RoutingResolver resolves answering personas and tenant snapshots.
// routing.Resolver implements it.
type RoutingResolver interface {
	Resolve(ctx context.Context, tenant datatypes.TenantRef, req routing.Request) datatypes.RoutingDecision
	LoadTenantContext(ctx context.Context, tenant datatypes.TenantRef, userFlag string) datatypes.TenantContext
}

// Gateway orchestrates one query turn: routing, retrieval, generation and
// post-generation side effects.
type Gateway struct {
	builder  *ContextBuilder
	engine   *ReplyEngine
	resolver RoutingResolver
	sessions *session.Store
	searcher vectorindex.Searcher
	backend  *history.Backend
	filter   TextFilter
	logger   TurnLogger

	clearCommands []string
}

// NewGateway wires the orchestrator. Empty clearCommands falls back to the
// default reset command.
func NewGateway(
	builder *ContextBuilder,
	engine *ReplyEngine,
	resolver RoutingResolver,
	sessions *session.Store,
	searcher vectorindex.Searcher,
	backend *history.Backend,
	filter TextFilter,
	logger TurnLogger,
	clearCommands []string,
) *Gateway {
	if len(clearCommands) == 0 {
		clearCommands = []string{DefaultClearCommand}
	}
	return &Gateway{
		builder:       builder,
		engine:        engine,
		resolver:      resolver,
		sessions:      sessions,
		searcher:      searcher,
		backend:       backend,
		filter:        filter,
		logger:        logger,
		clearCommands: clearCommands,
	}
}

// HandleQuery runs one batch turn and returns the reply with metadata.
func (g *Gateway) HandleQuery(ctx context.Context, req ChatRequest) ChatReply {
	return g.handle(ctx, req, nil)
}

// HandleQueryStream runs one streaming turn, calling emit for each partial
// token. The returned reply carries the final assembled text, including
// metadata, for the terminal stream event.
func (g *Gateway) HandleQueryStream(ctx context.Context, req ChatRequest, emit func(delta string) error) ChatReply {
	return g.handle(ctx, req, emit)
}

func (g *Gateway) handle(ctx context.Context, req ChatRequest, emit func(delta string) error) ChatReply {
	ctx, span := gatewayTracer.Start(ctx, "gateway.HandleQuery")
	defer span.End()

	if strings.TrimSpace(req.Query) == "" {
		return ChatReply{Text: ReplyNoIdea, Failed: true}
	}
	for _, cmd := range g.clearCommands {
		if req.Query == cmd {
			slog.Info("Session reset by command", "session", req.UserKey)
			g.sessions.Reset(req.UserKey)
			return ChatReply{Text: ReplySessionReset}
		}
	}

	tenant := datatypes.ParseTenantRef(req.TenantID)
	userFlag := req.UserFlag
	if userFlag == "" {
		userFlag = datatypes.UserFlagExternal
	}
	span.SetAttributes(
		attribute.Int("tenant.org_id", tenant.OrgID),
		attribute.Int("tenant.bot_id", tenant.BotID),
		attribute.Bool("request.stream", emit != nil),
	)

	vector, err := g.builder.EmbedQuery(ctx, req.Query)
	if err != nil {
		slog.Error("Query embedding failed", "error", err)
		return ChatReply{Text: ReplyNoIdea, Failed: true}
	}

	tc := g.resolver.LoadTenantContext(ctx, tenant, userFlag)
	decision := g.resolver.Resolve(ctx, tenant, routing.Request{
		UserKey:       req.UserKey,
		TeamMode:      req.TeamMode,
		TeamBotKeep:   req.TeamBotKeep,
		TeamID:        req.TeamID,
		TeamBotID:     req.TeamBotID,
		AssistantUser: req.AssistantUser,
		UserFlag:      userFlag,
		Query:         req.Query,
		QueryVector:   vector,
	})

	var commands []datatypes.Command
	if !req.FileChat {
		commands = g.builder.SuggestCommands(ctx, tc, vector)
	}

	build := g.builder.Build(ctx, tc, BuildRequest{
		Query:       req.Query,
		QueryVector: vector,
		SessionKey:  req.UserKey,
		KeepTurns:   req.KeepTurns,
		Persona:     req.Persona,
		FileChat:    req.FileChat,
		ForwardOnly: req.ForwardOnly,
		Routing:     g.fileChatRouting(req, decision),
	})

	if build.AnsweredFromCache {
		return g.cachedReply(ctx, req, tc, build, emit)
	}

	gen := g.engine.run(ctx, GenerateRequest{
		Turns:         build.Turns,
		Query:         req.Query,
		SessionKey:    req.UserKey,
		Tenant:        tc,
		Model:         g.resolveModel(req, decision, tc),
		Temperature:   req.Temperature,
		Similarity:    build.Similarity,
		UserID:        req.UserID,
		WithResources: req.WithResources,
	}, emit)

	meta := datatypes.ReplyMetadata{
		Docs:      build.Docs,
		Pages:     build.Links,
		Resources: gen.Resources,
		Commands:  commands,
		LogID:     gen.LogID,
		TeamMode:  int(decision.Mode),
		TeamID:    decision.Team.TeamID,
		TeamBotID: decision.Team.BotID,
	}
	if !gen.Failed {
		meta.Score = g.scoreReply(ctx, tc, gen.Text)
		g.notifyWatchers(ctx, tc, vector, req.Query, gen.Text)
	}
	return ChatReply{Text: meta.Append(gen.Text), Meta: meta, Failed: gen.Failed}
}

// cachedReply finishes a turn answered directly from a curated Q/A pair:
// no provider call, zero usage, metadata carries only the log id.
func (g *Gateway) cachedReply(ctx context.Context, req ChatRequest, tc datatypes.TenantContext, build *BuildResult, emit func(delta string) error) ChatReply {
	text := g.filter.Apply(ctx, int64(tc.Tenant.OrgID), build.CachedAnswer)
	logID, err := g.logger.LogTurn(ctx, datatypes.ChatTurnLog{
		Tag:        req.UserKey,
		OrgID:      tc.Tenant.OrgID,
		BotID:      tc.Tenant.BotID,
		UserID:     req.UserID,
		Question:   req.Query,
		Answer:     text,
		Model:      "auto",
		Similarity: build.Similarity,
	})
	if err != nil {
		slog.Warn("Turn logging failed", "session", req.UserKey, "error", err)
	}
	if emit != nil {
		if err := emit(text); err != nil {
			slog.Info("Client disconnected during cached reply", "session", req.UserKey)
		}
	}
	meta := datatypes.ReplyMetadata{LogID: logID}
	return ChatReply{Text: meta.Append(text), Meta: meta, Cached: true}
}

// fileChatRouting rewrites the routing decision for file-scoped chat: the
// file id set acts as the character tag and team routing is suppressed.
func (g *Gateway) fileChatRouting(req ChatRequest, decision datatypes.RoutingDecision) datatypes.RoutingDecision {
	if !req.FileChat {
		return decision
	}
	return datatypes.RoutingDecision{CharacterID: req.FileIDs}
}

// resolveModel applies the model precedence: validated request override,
// then the routed persona's model, then the tenant default.
func (g *Gateway) resolveModel(req ChatRequest, decision datatypes.RoutingDecision, tc datatypes.TenantContext) string {
	if isKnownModel(req.Model) {
		return req.Model
	}
	if decision.Model != "" {
		return decision.Model
	}
	return tc.Model
}

// isKnownModel accepts base and fine-tuned model names from the supported
// families; anything else is treated as absent.
func isKnownModel(model string) bool {
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "ft:")
}

// scoreReply embeds the generated reply and scores it against the
// knowledge base, a cheap self-check surfaced in metadata.
func (g *Gateway) scoreReply(ctx context.Context, tc datatypes.TenantContext, reply string) float64 {
	vec, err := g.builder.EmbedQuery(ctx, reply)
	if err != nil {
		return 0
	}
	filter := vectorindex.NewFilter().
		Org(int64(tc.Tenant.OrgID)).
		Tags("chatbots", strconv.Itoa(tc.Tenant.BotID)).
		VisibleTo(tc.UserFlag).
		Category(datatypes.CategoryKnowledge)
	hits, err := g.searcher.Search(ctx, vectorindex.DefaultIndex, vectorindex.Query{
		Vector: vec,
		Filter: filter,
		K:      1,
	})
	if err != nil || len(hits) == 0 {
		return 0
	}
	return hits[0].Similarity()
}

// notifyWatchers fires query notifications for watched patterns close to
// the query. Best-effort, off the reply path.
func (g *Gateway) notifyWatchers(ctx context.Context, tc datatypes.TenantContext, vector []float32, query, reply string) {
	filter := vectorindex.NewFilter().
		Org(int64(tc.Tenant.OrgID)).
		Category(datatypes.CategoryNotify)
	hits, err := g.searcher.Search(ctx, vectorindex.DefaultIndex, vectorindex.Query{
		Vector: vector,
		Filter: filter,
		K:      3,
	})
	if err != nil {
		return
	}
	for _, hit := range hits {
		if hit.Distance > notifyMaxDistance {
			break
		}
		watchID := hit.Field("id")
		if watchID == "" {
			continue
		}
		go func(id string) {
			if err := g.backend.Notify(context.WithoutCancel(ctx), id, query, reply); err != nil {
				slog.Warn("Query notification failed", "watch_id", id, "error", err)
			}
		}(watchID)
	}
}
