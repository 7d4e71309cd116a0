// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services contains the gateway's business logic: prompt assembly
// with retrieval (ContextBuilder), reply generation with retry and
// post-processing (ReplyEngine), and the per-turn orchestration that ties
// them to routing, sessions and history (Gateway).
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sflowlabs/sfbot/pkg/tokens"
	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/history"
	"github.com/sflowlabs/sfbot/services/gateway/session"
	"github.com/sflowlabs/sfbot/services/gateway/vectorindex"
	"github.com/sflowlabs/sfbot/services/llm"
)

var builderTracer = otel.Tracer("sfbot.gateway.services.context_builder")

// Distance cutoffs for retrieval side channels. Retrieval context itself
// is gated by the tenant similarity threshold, not these.
const (
	// faqMaxDistance qualifies a curated Q/A pair to answer directly.
	faqMaxDistance = 0.15
	// commandMaxDistance qualifies an action-transformer suggestion.
	commandMaxDistance = 0.15
	// citedDocMaxDistance qualifies a document citation.
	citedDocMaxDistance = 0.15
	// citedLinkMaxDistance qualifies a source page reference.
	citedLinkMaxDistance = 0.2
)

// maxCitedLinks caps the source links attached to one reply.
const maxCitedLinks = 3

// titleVectorField is the embedding over the document title, used for Q/A
// matching where the question text is the title.
const titleVectorField = "title_vector"

// DefaultContextTokenLimit bounds the assembled prompt window.
const DefaultContextTokenLimit = 8192

// Default persona prompts when neither the request, the tenant, nor the
// routing decision supplies one.
const (
	defaultPersona  = "You are a helpful AI customer support agent. Use the following pieces of context to answer the customer inquiry."
	fileChatPersona = "You are a helpful AI document assistant. Use the following pieces of context to answer user queries about relevant documents."
)

// groundingInstructions is appended for non-routed personas so the model
// does not fabricate answers beyond the provided context.
const groundingInstructions = "\nIf you don't know the answer, just say you don't know. DO NOT try to make up an answer." +
	"\nIf you are unclear about the question, politely respond that you need a clearer and more detailed description."

// BuildRequest is the input to one prompt assembly.
type BuildRequest struct {
	Query       string
	QueryVector []float32

	// SessionKey identifies the rolling history to extend.
	SessionKey string

	// KeepTurns is how many prior exchanges survive into the window.
	KeepTurns int

	// Persona is the request-supplied persona description, highest
	// precedence when present.
	Persona string

	// FileChat scopes retrieval to file-chunk documents and suppresses
	// Q/A matching and citations.
	FileChat bool

	// ForwardOnly skips retrieval entirely.
	ForwardOnly bool

	Routing datatypes.RoutingDecision
}

// BuildResult is the outcome of one prompt assembly. When
// AnsweredFromCache is set the caller must skip the provider call and use
// CachedAnswer as the reply.
type BuildResult struct {
	Turns             []datatypes.Turn
	Docs              []datatypes.CitedDoc
	Links             []datatypes.CitedLink
	Similarity        float64
	AnsweredFromCache bool
	CachedAnswer      string
}

// RefTitleReader resolves the page-title reference list stored alongside
// ingested documents. The Redis client satisfies it.
type RefTitleReader interface {
	LIndex(ctx context.Context, key string, index int64) *redis.StringCmd
}

// ContextBuilder assembles the bounded prompt window for one query.
type ContextBuilder struct {
	sessions *session.Store
	searcher vectorindex.Searcher
	embedder llm.Embedder
	backend  *history.Backend
	rdb      RefTitleReader
	counter  *tokens.Counter

	tokenLimit int

	// instructionPrompt is the operator-configured preamble placed before
	// the retrieved context block.
	instructionPrompt string
}

// NewContextBuilder wires the builder. tokenLimit <= 0 falls back to
// DefaultContextTokenLimit.
func NewContextBuilder(
	sessions *session.Store,
	searcher vectorindex.Searcher,
	embedder llm.Embedder,
	backend *history.Backend,
	rdb RefTitleReader,
	counter *tokens.Counter,
	tokenLimit int,
	instructionPrompt string,
) *ContextBuilder {
	if tokenLimit <= 0 {
		tokenLimit = DefaultContextTokenLimit
	}
	return &ContextBuilder{
		sessions:          sessions,
		searcher:          searcher,
		embedder:          embedder,
		backend:           backend,
		rdb:               rdb,
		counter:           counter,
		tokenLimit:        tokenLimit,
		instructionPrompt: instructionPrompt,
	}
}

// TokenLimit returns the configured context window budget.
func (b *ContextBuilder) TokenLimit() int { return b.tokenLimit }

// EmbedQuery converts text into the index vector space. Failures come back
// as ErrEmbeddingUnavailable; they are not retried here.
func (b *ContextBuilder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	return vec, nil
}

// Build performs retrieval and assembles the prompt window for one query.
// Retrieval failures degrade silently to a no-context prompt; only
// session bookkeeping is guaranteed.
func (b *ContextBuilder) Build(ctx context.Context, tc datatypes.TenantContext, req BuildRequest) *BuildResult {
	ctx, span := builderTracer.Start(ctx, "contextbuilder.Build")
	defer span.End()
	span.SetAttributes(
		attribute.Int("tenant.org_id", tc.Tenant.OrgID),
		attribute.Int("tenant.bot_id", tc.Tenant.BotID),
		attribute.Bool("build.forward_only", req.ForwardOnly),
	)

	// A query that alone eats half the window cannot coexist with
	// history; start the session over.
	if b.counter.CountText(req.Query) >= b.tokenLimit/2 {
		b.sessions.Reset(req.SessionKey)
	}

	persona := b.resolvePersona(tc, req)

	if req.ForwardOnly || req.Routing.ForwardOnly {
		b.appendWindow(req.SessionKey, persona, req.Query, req.KeepTurns)
		return &BuildResult{Turns: b.sessions.Get(req.SessionKey)}
	}

	if !req.FileChat {
		if result := b.tryFAQ(ctx, tc, req, persona); result != nil {
			span.SetAttributes(attribute.Bool("build.answered_from_cache", true))
			return result
		}
	}

	hits, similarity := b.searchKnowledge(ctx, tc, req)
	span.SetAttributes(attribute.Float64("build.similarity", similarity))

	prompt := persona
	if !strings.HasPrefix(req.Routing.CharacterID, "x") {
		prompt += groundingInstructions
	}

	result := &BuildResult{Similarity: similarity}
	if len(hits) > 0 {
		prompt += "\n" + b.instructionPrompt + "\n```"
		for _, hit := range hits {
			if hit.Similarity() >= tc.SimilarityThreshold {
				prompt += "\n" + hit.Field("text")
			}
		}
		prompt += "\n```\n"
		b.collectCitations(ctx, hits, req.FileChat, result)
	}

	b.appendWindow(req.SessionKey, prompt, req.Query, req.KeepTurns)
	result.Turns = b.sessions.Get(req.SessionKey)
	return result
}

// resolvePersona applies the persona precedence: request-supplied, then
// tenant-stored, then routing-resolved, then the generic default.
func (b *ContextBuilder) resolvePersona(tc datatypes.TenantContext, req BuildRequest) string {
	if req.Persona != "" {
		return req.Persona
	}
	if tc.CharacterDesc != "" {
		return tc.CharacterDesc
	}
	if req.Routing.SystemPrompt != "" {
		return req.Routing.SystemPrompt
	}
	if req.FileChat {
		return fileChatPersona
	}
	return defaultPersona
}

// tryFAQ answers directly from a curated Q/A pair when the question is a
// near-exact match. Returns nil when no pair qualifies.
func (b *ContextBuilder) tryFAQ(ctx context.Context, tc datatypes.TenantContext, req BuildRequest, persona string) *BuildResult {
	filter := vectorindex.NewFilter().
		OrgShared(tc.Tenant).
		Category(datatypes.CategoryQA)
	hits, err := b.searcher.Search(ctx, vectorindex.DefaultIndex, vectorindex.Query{
		Vector:      req.QueryVector,
		Filter:      filter,
		VectorField: titleVectorField,
		K:           3,
	})
	if err != nil || len(hits) == 0 || hits[0].Distance >= faqMaxDistance {
		return nil
	}

	best := hits[0]
	var answers []string
	if err := json.Unmarshal([]byte(best.Field("text")), &answers); err != nil || len(answers) == 0 {
		slog.Warn("Q/A document has no decodable answers", "key", best.Key, "error", err)
		return nil
	}
	answer := answers[rand.Intn(len(answers))]

	if id := best.Field("id"); id != "" {
		go func() {
			if err := b.backend.IncreaseHitCount(context.WithoutCancel(ctx), id, datatypes.CategoryQA, ""); err != nil {
				slog.Warn("Hit count increment failed", "doc_id", id, "error", err)
			}
		}()
	}

	b.appendWindow(req.SessionKey, persona, req.Query, req.KeepTurns)
	b.sessions.AppendAssistant(req.SessionKey, answer)
	return &BuildResult{
		Turns:             b.sessions.Get(req.SessionKey),
		Similarity:        best.Similarity(),
		AnsweredFromCache: true,
		CachedAnswer:      answer,
	}
}

// searchKnowledge retrieves context chunks and applies the tenant
// threshold gate: when even the best hit is below it, all hits are
// discarded. The best-match similarity is reported either way.
func (b *ContextBuilder) searchKnowledge(ctx context.Context, tc datatypes.TenantContext, req BuildRequest) ([]datatypes.Hit, float64) {
	category := datatypes.CategoryKnowledge
	if req.FileChat {
		category = datatypes.CategoryFileChat
	}
	filter := vectorindex.NewFilter().
		Org(int64(tc.Tenant.OrgID)).
		Tags("chatbots", b.botTags(tc, req)...).
		VisibleTo(tc.UserFlag).
		Category(category)

	hits, err := b.searcher.Search(ctx, vectorindex.DefaultIndex, vectorindex.Query{
		Vector: req.QueryVector,
		Filter: filter,
		K:      3,
	})
	if err != nil {
		slog.Warn("Knowledge retrieval unavailable, continuing without context", "error", err)
		return nil, 0
	}
	if len(hits) == 0 {
		return nil, 0
	}
	similarity := hits[0].Similarity()
	if similarity < tc.SimilarityThreshold {
		return nil, similarity
	}
	return hits, similarity
}

// botTags builds the chatbots set-membership values: the tenant bot id
// plus the routed character tag. Routed assistants and file chats scope to
// the character tag alone.
func (b *ContextBuilder) botTags(tc datatypes.TenantContext, req BuildRequest) []string {
	char := req.Routing.CharacterID
	if req.FileChat && char != "" {
		return []string{char}
	}
	if req.Routing.Mode == datatypes.RoutingAssistant && char != "" {
		return []string{char}
	}
	tags := []string{fmt.Sprintf("%d", tc.Tenant.BotID)}
	if char != "" {
		tags = append(tags, char)
	}
	return tags
}

// collectCitations extracts document citations and source links from the
// hits and fires their hit-count increments.
func (b *ContextBuilder) collectCitations(ctx context.Context, hits []datatypes.Hit, fileChat bool, result *BuildResult) {
	seenDocs := make(map[string]bool)
	seenURLs := make(map[string]bool)
	for _, hit := range hits {
		if !fileChat && hit.Distance < citedDocMaxDistance {
			if doc, ok := citedDocFromHit(hit); ok && !seenDocs[doc.DedupKey()] {
				seenDocs[doc.DedupKey()] = true
				result.Docs = append(result.Docs, doc)
			}
		}
		if hit.Distance < citedLinkMaxDistance && len(result.Links) < maxCitedLinks {
			if link, ok := b.citedLinkFromHit(ctx, hit); ok && !seenURLs[link.URL] {
				seenURLs[link.URL] = true
				result.Links = append(result.Links, link)
			}
		}
	}
	for _, doc := range result.Docs {
		doc := doc
		go func() {
			if err := b.backend.IncreaseHitCount(context.WithoutCancel(ctx), doc.ID, doc.Category, doc.URL); err != nil {
				slog.Warn("Hit count increment failed", "doc_id", doc.ID, "error", err)
			}
		}()
	}
}

// citedDocFromHit decodes a file-backed citation from a hit's dkey field
// ("<ns>:file:<id>"). Non-file documents produce no citation.
func citedDocFromHit(hit datatypes.Hit) (datatypes.CitedDoc, bool) {
	parts := strings.Split(hit.Field("dkey"), ":")
	if len(parts) < 3 || parts[1] != "file" {
		return datatypes.CitedDoc{}, false
	}
	return datatypes.CitedDoc{
		ID:       parts[2],
		Category: parts[1],
		URL:      hit.Field("source"),
		Filename: hit.Field("filename"),
	}, true
}

// citedLinkFromHit reads the source URL and looks the page title up in the
// reference list the ingest pipeline stores alongside the document.
func (b *ContextBuilder) citedLinkFromHit(ctx context.Context, hit datatypes.Hit) (datatypes.CitedLink, bool) {
	url := hit.Field("source")
	refKey := hit.Field("refkey")
	if url == "" || refKey == "" {
		return datatypes.CitedLink{}, false
	}
	link := datatypes.CitedLink{URL: url}
	if raw, err := b.rdb.LIndex(ctx, refKey, 0).Result(); err == nil {
		var meta struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			link.Title = meta.Title
		}
	}
	return link, true
}

// SuggestCommands searches action-transformer commands close to the query.
// Suggestions never block or fail answer generation.
func (b *ContextBuilder) SuggestCommands(ctx context.Context, tc datatypes.TenantContext, queryVector []float32) []datatypes.Command {
	filter := vectorindex.NewFilter().
		Org(int64(tc.Tenant.OrgID)).
		VisibleTo(tc.UserFlag).
		Category(datatypes.CategoryAction)
	hits, err := b.searcher.Search(ctx, vectorindex.DefaultIndex, vectorindex.Query{
		Vector: queryVector,
		Filter: filter,
		K:      3,
	})
	if err != nil {
		return nil
	}
	var commands []datatypes.Command
	for _, hit := range hits {
		if hit.Distance > commandMaxDistance {
			break
		}
		id := hit.Field("id")
		if id == "" {
			continue
		}
		commands = append(commands, datatypes.Command{
			ID:       id,
			Category: "actionTransformer",
			Score:    hit.Similarity(),
		})
	}
	return commands
}

// appendWindow installs the system prompt and user turn, then evicts until
// the window fits the token budget.
func (b *ContextBuilder) appendWindow(key, systemPrompt, query string, keepTurns int) {
	b.sessions.AppendSystemAndUser(key, systemPrompt, query, keepTurns)
	b.sessions.EvictToFit(key, b.tokenLimit)
}
