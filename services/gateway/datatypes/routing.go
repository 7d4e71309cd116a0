// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// RoutingMode selects the answering persona for one query.
type RoutingMode int

const (
	// RoutingNone answers with the tenant's default bot persona.
	RoutingNone RoutingMode = 0
	// RoutingTeam answers as a dispatched team bot.
	RoutingTeam RoutingMode = 1
	// RoutingAssistant answers as a user-pinned assistant bot.
	RoutingAssistant RoutingMode = 2
)

// RoutingDecision is the resolved answering persona for one query.
// A zero value means "no special routing": the default persona answers.
type RoutingDecision struct {
	Mode RoutingMode
	Team TeamRef

	// CharacterID tags retrieval to the persona's knowledge subset
	// ("x9" for team bots). Empty when not applicable.
	CharacterID string

	// SystemPrompt overrides the base persona when the routed target
	// carries its own instruction block.
	SystemPrompt string

	// Model overrides the tenant model when the routed target has a
	// dedicated one.
	Model string

	// ForwardOnly skips retrieval: the persona already embeds its own
	// knowledge (team bots flagged nokb).
	ForwardOnly bool
}

// TenantContext is the per-request configuration snapshot. It is derived
// fresh for each call from the routing tables and never mutated afterwards.
type TenantContext struct {
	Tenant   TenantRef
	UserFlag string // internal | external

	// SimilarityThreshold gates knowledge retrieval; hits below it are
	// discarded. Tenant-overridable, default 0.75.
	SimilarityThreshold float64

	// Provider and Credential select the completion backend for this
	// tenant. Empty Provider means the process default.
	Provider   string
	Credential string

	// Model is the tenant's completion model, possibly overridden per
	// request or per routing decision.
	Model string

	// CharacterDesc is the tenant-stored persona description, when set.
	CharacterDesc string
}

// Usage is the token accounting of one completed provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatTurnLog is the durable, write-once record of one completed exchange.
// Writing it is best-effort: a failed write never fails the user-facing
// reply.
type ChatTurnLog struct {
	Tag        string  `json:"tag"` // opaque user/channel key
	OrgID      int     `json:"organizationId"`
	BotID      int     `json:"sfbotId"`
	UserID     string  `json:"userId,omitempty"`
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Model      string  `json:"model"`
	Usage      Usage   `json:"usage"`
	Similarity float64 `json:"similarity"`
}
