// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routing resolves which persona answers a query: the tenant's
// default bot, a dispatched team bot, or a user-pinned assistant bot.
//
// Resolution never fails a turn. Every degraded path (missing records,
// dispatch LLM errors, unparseable dispatch output) falls back to the
// default persona for this turn only; nothing about a failed resolution
// is persisted.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/vectorindex"
	"github.com/sflowlabs/sfbot/services/llm"
)

var routingTracer = otel.Tracer("sfbot.gateway.routing")

// Pinning modes carried in the request hints.
const (
	// KeepDispatch re-runs team dispatch for this turn.
	KeepDispatch = 0
	// KeepPinned keeps the team bot the request (or the sticky cache)
	// already points at.
	KeepPinned = 1
	// KeepStarter consults the starter documents to pick the team bot
	// before falling back to the pinned one.
	KeepStarter = 2
)

// starterMaxDistance gates starter pinning; beyond it the starter match is
// ignored.
const starterMaxDistance = 0.15

// stickyTTL bounds how long a dispatched team selection follows a user.
const stickyTTL = 10 * time.Minute

// Request carries the channel routing hints for one query.
type Request struct {
	// UserKey identifies the end user for sticky team selection.
	UserKey string

	// TeamMode enables team dispatch for this tenant (from channel config).
	TeamMode bool

	// TeamBotKeep is one of the Keep* pinning modes.
	TeamBotKeep int

	// TeamID and TeamBotID are the pinned target, 0 when unset.
	TeamID    int
	TeamBotID int

	// AssistantUser is set when the query addresses a personal assistant
	// bot owned by that user id.
	AssistantUser string

	// UserFlag scopes team visibility (internal | external).
	UserFlag string

	// Query and QueryVector feed team dispatch and starter pinning.
	Query       string
	QueryVector []float32
}

// Resolver resolves routing decisions against the Redis routing tables.
type Resolver struct {
	rdb      redis.UniversalClient
	chat     llm.Client
	searcher vectorindex.Searcher

	mu     sync.Mutex
	sticky map[string]stickyEntry
}

type stickyEntry struct {
	team    datatypes.TeamRef
	expires time.Time
}

// NewResolver builds a resolver. chat is used only for team dispatch and
// may be the same client that generates replies.
func NewResolver(rdb redis.UniversalClient, chat llm.Client, searcher vectorindex.Searcher) *Resolver {
	return &Resolver{
		rdb:      rdb,
		chat:     chat,
		searcher: searcher,
		sticky:   make(map[string]stickyEntry),
	}
}

// Resolve determines the answering persona for one query. The zero
// decision means the tenant's default persona answers.
func (r *Resolver) Resolve(ctx context.Context, tenant datatypes.TenantRef, req Request) datatypes.RoutingDecision {
	ctx, span := routingTracer.Start(ctx, "routing.Resolve")
	defer span.End()

	if req.AssistantUser != "" && req.TeamID > 0 && req.TeamBotID > 0 {
		if decision, ok := r.resolveAssistant(ctx, req); ok {
			span.SetAttributes(attribute.String("routing.mode", "assistant"))
			return decision
		}
	}
	if !req.TeamMode {
		return datatypes.RoutingDecision{}
	}

	team := r.selectTeamBot(ctx, tenant, req)
	if team.BotID == 0 {
		span.SetAttributes(attribute.String("routing.mode", "none"))
		return datatypes.RoutingDecision{}
	}

	rec, ok := r.loadBotRecord(ctx, team.BotKey())
	if !ok {
		slog.Info("Routed team bot record missing, using default persona", "key", team.BotKey())
		r.dropSticky(req.UserKey)
		span.SetAttributes(attribute.String("routing.mode", "none"))
		return datatypes.RoutingDecision{}
	}

	span.SetAttributes(
		attribute.String("routing.mode", "team"),
		attribute.Int("routing.team_id", team.TeamID),
		attribute.Int("routing.bot_id", team.BotID),
	)
	return datatypes.RoutingDecision{
		Mode:         datatypes.RoutingTeam,
		Team:         team,
		CharacterID:  team.CharacterTag(),
		SystemPrompt: botInstruction(rec),
		Model:        rec.model,
		ForwardOnly:  rec.forwardOnly,
	}
}

// selectTeamBot applies the pinning mode: starter lookup, sticky or pinned
// selection, or a fresh LLM dispatch. Returns a zero-bot ref when no team
// bot should answer.
func (r *Resolver) selectTeamBot(ctx context.Context, tenant datatypes.TenantRef, req Request) datatypes.TeamRef {
	keep := req.TeamBotKeep
	team := datatypes.TeamRef{OrgID: tenant.OrgID, TeamID: req.TeamID, BotID: req.TeamBotID}

	if keep == KeepStarter {
		keep = KeepPinned
		if id := r.starterBotID(ctx, tenant, req); id > 0 {
			team.BotID = id
		}
	}
	if keep == KeepPinned && team.BotID == 0 {
		if sticky, ok := r.loadSticky(req.UserKey); ok {
			team = sticky
		} else {
			keep = KeepDispatch
		}
	}

	if keep == KeepDispatch {
		dispatched, ok := r.dispatch(ctx, tenant, req)
		if !ok && team.BotID == 0 {
			return datatypes.TeamRef{OrgID: tenant.OrgID}
		}
		if ok {
			team = dispatched
			r.storeSticky(req.UserKey, team)
		}
	} else if team.TeamID == 0 && team.BotID > 0 {
		team.TeamID = r.findTeamID(ctx, tenant, team.BotID)
	}
	return team
}

// starterBotID looks for a starter document close to the query and reads
// the team bot it pins.
func (r *Resolver) starterBotID(ctx context.Context, tenant datatypes.TenantRef, req Request) int {
	if len(req.QueryVector) == 0 {
		return 0
	}
	filter := vectorindex.NewFilter().
		Org(int64(tenant.OrgID)).
		VisibleTo(req.UserFlag).
		Category(datatypes.CategoryStarter)
	hits, err := r.searcher.Search(ctx, vectorindex.DefaultIndex, vectorindex.Query{
		Vector: req.QueryVector,
		Filter: filter,
		K:      1,
	})
	if err != nil || len(hits) == 0 || hits[0].Distance >= starterMaxDistance {
		return 0
	}
	id, err := r.rdb.HGet(ctx, hits[0].Key, "teambotid").Int()
	if err != nil {
		return 0
	}
	return id
}

// findTeamID recovers the team id when the hints carry only a bot id.
func (r *Resolver) findTeamID(ctx context.Context, tenant datatypes.TenantRef, botID int) int {
	iter := r.rdb.Scan(ctx, 0, datatypes.TeamBotPattern(tenant.OrgID, botID), 10).Iterator()
	for iter.Next(ctx) {
		if id := datatypes.ParseTeamIDFromKey(iter.Val()); id > 0 {
			return id
		}
	}
	return 0
}

type botRecord struct {
	name        string
	desc        string
	prompt      string
	model       string
	forwardOnly bool
}

// loadBotRecord reads a team or assistant bot hash. A missing or empty
// hash means the routed target does not exist.
func (r *Resolver) loadBotRecord(ctx context.Context, key string) (botRecord, bool) {
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil || len(fields) == 0 {
		return botRecord{}, false
	}
	return botRecord{
		name:        fields["name"],
		desc:        fields["desc"],
		prompt:      fields["prompt"],
		model:       fields["model"],
		forwardOnly: fields["nokb"] != "" && fields["nokb"] != "0",
	}, true
}

// resolveAssistant handles user-pinned assistant bots. Assistant bots
// always run forward-only: they embed their own knowledge.
func (r *Resolver) resolveAssistant(ctx context.Context, req Request) (datatypes.RoutingDecision, bool) {
	key := assistantBotKey(req.AssistantUser, req.TeamID, req.TeamBotID)
	rec, ok := r.loadBotRecord(ctx, key)
	if !ok {
		return datatypes.RoutingDecision{}, false
	}
	team := datatypes.TeamRef{TeamID: req.TeamID, BotID: req.TeamBotID}
	return datatypes.RoutingDecision{
		Mode:         datatypes.RoutingAssistant,
		Team:         team,
		CharacterID:  team.CharacterTag(),
		SystemPrompt: botInstruction(rec),
		Model:        rec.model,
		ForwardOnly:  true,
	}, true
}

func assistantBotKey(userID string, teamID, botID int) string {
	return fmt.Sprintf("sfteam:user:%s:team:%d:bot:%d", userID, teamID, botID)
}

// botInstruction renders the persona instruction block for a routed bot.
func botInstruction(rec botRecord) string {
	return fmt.Sprintf(
		"You are %s.\n%s.\n"+
			"You only provide clear, concise, factual answers to queries, and do not try to make up an answer.\n"+
			"Your functionality and responsibility are described below, separated by 3 backticks.\n\n"+
			"```\n%s\n```\n",
		rec.name, rec.desc, rec.prompt)
}

func (r *Resolver) loadSticky(userKey string) (datatypes.TeamRef, bool) {
	if userKey == "" {
		return datatypes.TeamRef{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sticky[userKey]
	if !ok {
		return datatypes.TeamRef{}, false
	}
	if time.Now().After(entry.expires) {
		delete(r.sticky, userKey)
		return datatypes.TeamRef{}, false
	}
	return entry.team, true
}

func (r *Resolver) storeSticky(userKey string, team datatypes.TeamRef) {
	if userKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sticky[userKey] = stickyEntry{team: team, expires: time.Now().Add(stickyTTL)}
}

func (r *Resolver) dropSticky(userKey string) {
	if userKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sticky, userKey)
}
