// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the gateway's process configuration from the
// environment. All knobs have working defaults so a bare `sfbot-gateway`
// starts against local Redis and answers with the default OpenAI models.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration, parsed once at startup.
type Config struct {
	// Port the HTTP server listens on.
	Port string `env:"SFBOT_PORT" envDefault:"12260"`

	// RedisAddr is the host:port of the Redis instance holding the
	// vector index, routing tables and word filter dictionaries.
	RedisAddr     string `env:"SFBOT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"SFBOT_REDIS_PASSWORD"`
	RedisDB       int    `env:"SFBOT_REDIS_DB" envDefault:"0"`

	// WeaviateURL is the durable chat-history store. Empty disables
	// history persistence; turns are then only kept in memory.
	WeaviateURL string `env:"SFBOT_WEAVIATE_URL"`

	// BackendURL is the management GraphQL endpoint receiving hit-count
	// increments and query notifications. Empty disables both.
	BackendURL string `env:"SFBOT_BACKEND_URL"`

	// OpenAIKey authenticates the default completion and embedding
	// provider. Per-tenant keys from the routing tables take precedence.
	OpenAIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBase string `env:"OPENAI_API_BASE"`

	// ChatModel and EmbeddingModel are the process-default models.
	ChatModel      string `env:"SFBOT_CHAT_MODEL" envDefault:"gpt-4o-mini"`
	EmbeddingModel string `env:"SFBOT_EMBEDDING_MODEL" envDefault:"text-embedding-ada-002"`

	// ContextTokens bounds the assembled prompt window.
	ContextTokens int `env:"SFBOT_CONTEXT_TOKENS" envDefault:"8192"`

	// SessionIdleTTL is how long an untouched session survives before
	// the janitor purges it.
	SessionIdleTTL time.Duration `env:"SFBOT_SESSION_IDLE_TTL" envDefault:"24h"`

	// InstructionPrompt is the operator preamble placed before the
	// retrieved context block.
	InstructionPrompt string `env:"SFBOT_INSTRUCTION_PROMPT" envDefault:"Known context:"`

	// ClearCommands are the verbatim messages that reset a session.
	ClearCommands []string `env:"SFBOT_CLEAR_COMMANDS" envSeparator:"," envDefault:"#清除记忆"`

	// WordFilterReload is the in-memory cache lifetime of compiled
	// sensitive-word matchers.
	WordFilterReload time.Duration `env:"SFBOT_WORD_FILTER_RELOAD" envDefault:"60s"`

	// OTELEndpoint is the OTLP gRPC collector address. Empty disables
	// trace export.
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	if cfg.ContextTokens <= 0 {
		return nil, fmt.Errorf("SFBOT_CONTEXT_TOKENS must be positive, got %d", cfg.ContextTokens)
	}
	return cfg, nil
}
