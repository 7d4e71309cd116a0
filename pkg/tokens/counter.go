// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tokens estimates the token cost of text and chat messages.
//
// The estimates drive session eviction decisions, so they must stay
// conservative with respect to the downstream provider tokenizer:
// undercounting risks provider-side truncation of the prompt.
package tokens

import (
	"fmt"
	"sync"

	tiktoken "github.com/weaviate/tiktoken-go"
)

// Message-framing overhead of the chat completion wire format.
// Every message costs a fixed envelope, a name field replaces the role
// token, and the batch is primed with a trailing assistant marker.
const (
	tokensPerMessage = 4
	tokensPerName    = -1
	tokensPerBatch   = 3
)

// Message is the minimal view of a chat turn the counter needs.
// Defined here so the counter does not depend on the gateway datatypes.
type Message struct {
	Role    string
	Content string
	Name    string
}

// Counter counts cl100k_base tokens for strings and message batches.
//
// The zero value is not usable; construct with NewCounter. A Counter is
// safe for concurrent use.
type Counter struct {
	enc *tiktoken.Tiktoken
}

var (
	defaultOnce    sync.Once
	defaultCounter *Counter
	defaultErr     error
)

// NewCounter builds a Counter for the given tiktoken encoding name,
// e.g. "cl100k_base".
func NewCounter(encoding string) (*Counter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encoding, err)
	}
	return &Counter{enc: enc}, nil
}

// Default returns a process-wide cl100k_base counter, built once.
func Default() (*Counter, error) {
	defaultOnce.Do(func() {
		defaultCounter, defaultErr = NewCounter("cl100k_base")
	})
	return defaultCounter, defaultErr
}

// CountText returns the number of tokens in a plain string.
func (c *Counter) CountText(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages returns the token cost of a message batch, including the
// per-message and per-batch framing overhead described above.
func (c *Counter) CountMessages(msgs []Message) int {
	n := tokensPerBatch
	for _, m := range msgs {
		n += tokensPerMessage
		n += c.CountText(m.Role)
		n += c.CountText(m.Content)
		if m.Name != "" {
			n += c.CountText(m.Name)
			n += tokensPerName
		}
	}
	return n
}
