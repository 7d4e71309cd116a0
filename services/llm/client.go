// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm abstracts the completion and embedding providers consumed by
// the gateway. The gateway treats providers as opaque functions: messages
// in, text (or a token stream) out, with errors folded into the closed
// ErrorKind taxonomy so business logic never inspects provider SDK types.
package llm

import (
	"context"
	"io"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

// GenerationParams tunes one completion call. Nil pointers mean "use the
// provider default".
type GenerationParams struct {
	Model            string   `json:"model,omitempty"`
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

// Reply is the result of one batch completion call.
type Reply struct {
	Content string
	Model   string
	Usage   datatypes.Usage
}

// Chunk is one streamed delta. The terminal chunk (just before io.EOF)
// carries cumulative usage when the provider supplies it.
type Chunk struct {
	Content string
	Model   string
	Usage   *datatypes.Usage
}

// Stream yields completion deltas. Recv returns io.EOF after the final
// chunk. Close releases the underlying connection and is safe to call
// more than once.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the standard interface for a completion backend.
type Client interface {
	// Chat runs one batch completion over the given turns.
	Chat(ctx context.Context, turns []datatypes.Turn, params GenerationParams) (*Reply, error)

	// ChatStream starts a streaming completion over the given turns.
	ChatStream(ctx context.Context, turns []datatypes.Turn, params GenerationParams) (Stream, error)
}

// Embedder converts text into the vector space of the similarity index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Drain reads a stream to completion and returns the concatenated text
// plus the terminal usage, if any. Used by tests and by callers that want
// streaming transport with batch semantics.
func Drain(s Stream) (string, *datatypes.Usage, string, error) {
	var (
		text  string
		usage *datatypes.Usage
		model string
	)
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return text, usage, model, nil
		}
		if err != nil {
			return text, usage, model, err
		}
		text += chunk.Content
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
	}
}
