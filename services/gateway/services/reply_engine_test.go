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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sflowlabs/sfbot/pkg/tokens"
	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/session"
	"github.com/sflowlabs/sfbot/services/llm"
)

func newTestEngine(t *testing.T, chat llm.Client) (*ReplyEngine, *session.Store, *fakeLogger, *passFilter) {
	t.Helper()
	counter, err := tokens.Default()
	require.NoError(t, err)
	sessions := session.NewStore(counter)
	logger := &fakeLogger{}
	filter := &passFilter{}
	engine := NewReplyEngine(chat, sessions, filter, logger, nil, time.Millisecond)
	return engine, sessions, logger, filter
}

func providerErr(kind llm.ErrorKind, msg string) error {
	return &llm.ProviderError{Kind: kind, Message: msg}
}

func testGenerateRequest() GenerateRequest {
	return GenerateRequest{
		Turns: []datatypes.Turn{
			{Role: datatypes.RoleSystem, Content: "You are a helpful assistant."},
			{Role: datatypes.RoleUser, Content: "What are your opening hours?"},
		},
		Query:      "What are your opening hours?",
		SessionKey: "user-1",
		Tenant: datatypes.TenantContext{
			Tenant: datatypes.TenantRef{OrgID: 4, BotID: 9},
		},
		Similarity: 0.91,
	}
}

func TestGenerateSuccess(t *testing.T) {
	chat := &fakeChat{replies: []*llm.Reply{{
		Content: "We are open 9 to 5.",
		Model:   "gpt-4o-mini",
		Usage:   datatypes.Usage{PromptTokens: 40, CompletionTokens: 8, TotalTokens: 48},
	}}}
	engine, sessions, logger, filter := newTestEngine(t, chat)

	req := testGenerateRequest()
	sessions.AppendSystemAndUser(req.SessionKey, "sys", req.Query, -1)
	result := engine.Generate(context.Background(), req)

	assert.False(t, result.Failed)
	assert.Equal(t, "We are open 9 to 5.", result.Text)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.Equal(t, 48, result.Usage.TotalTokens)
	assert.Equal(t, "log-1", result.LogID)
	assert.Equal(t, 1, chat.calls)
	assert.Equal(t, 1, filter.calls)

	rec, ok := logger.last()
	require.True(t, ok)
	assert.Equal(t, req.Query, rec.Question)
	assert.Equal(t, result.Text, rec.Answer)
	assert.Equal(t, 4, rec.OrgID)
	assert.Equal(t, 9, rec.BotID)
	assert.InDelta(t, 0.91, rec.Similarity, 1e-9)

	// The reply joined the session history.
	turns := sessions.Get(req.SessionKey)
	require.Len(t, turns, 3)
	assert.Equal(t, datatypes.RoleAssistant, turns[2].Role)
	assert.Equal(t, "We are open 9 to 5.", turns[2].Content)
}

func TestGenerateUsesTenantProviderWhenCredentialed(t *testing.T) {
	shared := &fakeChat{replies: []*llm.Reply{{Content: "from shared"}}}
	dedicated := &fakeChat{replies: []*llm.Reply{{Content: "from dedicated"}}}
	engine, sessions, _, _ := newTestEngine(t, shared)
	engine.WithTenantProviders(func(tc datatypes.TenantContext) llm.Client {
		assert.Equal(t, "sk-tenant-4", tc.Credential)
		return dedicated
	})

	req := testGenerateRequest()
	req.Tenant.Credential = "sk-tenant-4"
	sessions.AppendSystemAndUser(req.SessionKey, "sys", req.Query, -1)
	result := engine.Generate(context.Background(), req)

	assert.Equal(t, "from dedicated", result.Text)
	assert.Equal(t, 0, shared.calls)
	assert.Equal(t, 1, dedicated.calls)
}

func TestGenerateWithoutCredentialUsesSharedClient(t *testing.T) {
	shared := &fakeChat{replies: []*llm.Reply{{Content: "from shared"}}}
	engine, sessions, _, _ := newTestEngine(t, shared)
	engine.WithTenantProviders(func(datatypes.TenantContext) llm.Client {
		t.Fatal("factory must not run for tenants without a credential")
		return nil
	})

	req := testGenerateRequest()
	sessions.AppendSystemAndUser(req.SessionKey, "sys", req.Query, -1)
	result := engine.Generate(context.Background(), req)

	assert.Equal(t, "from shared", result.Text)
	assert.Equal(t, 1, shared.calls)
}

func TestGenerateRetriesRateLimitOnce(t *testing.T) {
	chat := &fakeChat{
		errs:    []error{providerErr(llm.KindRateLimited, "429")},
		replies: []*llm.Reply{nil, {Content: "second try", Model: "gpt-4o-mini"}},
	}
	engine, _, _, _ := newTestEngine(t, chat)

	result := engine.Generate(context.Background(), testGenerateRequest())
	assert.False(t, result.Failed)
	assert.Equal(t, "second try", result.Text)
	assert.Equal(t, 2, chat.calls)
}

func TestGenerateGivesUpAfterSecondRateLimit(t *testing.T) {
	chat := &fakeChat{errs: []error{
		providerErr(llm.KindRateLimited, "429"),
		providerErr(llm.KindRateLimited, "429"),
	}}
	engine, _, logger, _ := newTestEngine(t, chat)

	result := engine.Generate(context.Background(), testGenerateRequest())
	assert.True(t, result.Failed)
	assert.Equal(t, ReplyRateLimited, result.Text)
	assert.Equal(t, 2, chat.calls)

	// Apologies are never logged as turns.
	_, ok := logger.last()
	assert.False(t, ok)
}

func TestGenerateApologyPerKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"connection", providerErr(llm.KindConnectionFailed, "dial tcp"), ReplyConnectionFailed},
		{"timeout", providerErr(llm.KindTimeout, "deadline"), ReplyTimeout},
		{"server", providerErr(llm.KindServerUnavailable, "503"), ReplyServerUnavailable},
		{"unknown", errors.New("something odd"), ReplyUnknownFailure},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chat := &fakeChat{errs: []error{tc.err}}
			engine, _, _, _ := newTestEngine(t, chat)

			result := engine.Generate(context.Background(), testGenerateRequest())
			assert.True(t, result.Failed)
			assert.Equal(t, tc.want, result.Text)
			assert.Equal(t, 1, chat.calls, "only rate limits are retried")
		})
	}
}

func TestGenerateBadRequestSurfacesProviderMessage(t *testing.T) {
	chat := &fakeChat{errs: []error{providerErr(llm.KindBadRequest, "This model's maximum context length is exceeded")}}
	engine, _, _, _ := newTestEngine(t, chat)

	result := engine.Generate(context.Background(), testGenerateRequest())
	assert.True(t, result.Failed)
	assert.Equal(t, "This model's maximum context length is exceeded", result.Text)
}

func TestGenerateUnknownFailureResetsSession(t *testing.T) {
	chat := &fakeChat{errs: []error{errors.New("boom")}}
	engine, sessions, _, _ := newTestEngine(t, chat)

	req := testGenerateRequest()
	sessions.AppendSystemAndUser(req.SessionKey, "sys", req.Query, -1)
	result := engine.Generate(context.Background(), req)

	assert.True(t, result.Failed)
	assert.Equal(t, ReplyUnknownFailure, result.Text)
	assert.Empty(t, sessions.Get(req.SessionKey))
}

func TestGenerateFiltersReply(t *testing.T) {
	chat := &fakeChat{replies: []*llm.Reply{{Content: "that is a badword indeed"}}}
	engine, _, logger, _ := newTestEngine(t, chat)

	result := engine.Generate(context.Background(), testGenerateRequest())
	assert.Equal(t, "that is a *** indeed", result.Text)

	rec, ok := logger.last()
	require.True(t, ok)
	assert.Equal(t, "that is a *** indeed", rec.Answer, "the filtered text is what gets logged")
}

func TestGenerateStreamEmitsChunksAndUsage(t *testing.T) {
	stream := &fakeStream{chunks: []llm.Chunk{
		{Content: "We are ", Model: "gpt-4o-mini"},
		{Content: "open 9 to 5."},
		{Usage: &datatypes.Usage{PromptTokens: 40, CompletionTokens: 8, TotalTokens: 48}},
	}}
	chat := &fakeChat{streams: []llm.Stream{stream}}
	engine, sessions, _, _ := newTestEngine(t, chat)

	var deltas []string
	req := testGenerateRequest()
	sessions.AppendSystemAndUser(req.SessionKey, "sys", req.Query, -1)
	result := engine.GenerateStream(context.Background(), req, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})

	assert.False(t, result.Failed)
	assert.Equal(t, []string{"We are ", "open 9 to 5."}, deltas)
	assert.Equal(t, "We are open 9 to 5.", result.Text)
	assert.Equal(t, "gpt-4o-mini", result.Model)
	assert.Equal(t, 48, result.Usage.TotalTokens)
	assert.True(t, stream.closed)

	turns := sessions.Get(req.SessionKey)
	require.Len(t, turns, 3)
	assert.Equal(t, "We are open 9 to 5.", turns[2].Content)
}

func TestGenerateStreamClientDisconnectKeepsPartial(t *testing.T) {
	stream := &fakeStream{chunks: []llm.Chunk{
		{Content: "partial ", Model: "gpt-4o-mini"},
		{Content: "answer"},
	}}
	chat := &fakeChat{streams: []llm.Stream{stream}}
	engine, _, logger, _ := newTestEngine(t, chat)

	calls := 0
	result := engine.GenerateStream(context.Background(), testGenerateRequest(), func(string) error {
		calls++
		if calls > 1 {
			return errors.New("client gone")
		}
		return nil
	})

	assert.True(t, result.Failed)
	assert.Equal(t, "partial answer", result.Text)

	// The partial still cost tokens, so it must be accounted for.
	rec, ok := logger.last()
	require.True(t, ok)
	assert.Equal(t, "partial answer", rec.Answer)
}

func TestGenerateStreamMidStreamErrorKeepsPartial(t *testing.T) {
	stream := &fakeStream{
		chunks:   []llm.Chunk{{Content: "half an answer", Model: "gpt-4o-mini"}},
		finalErr: providerErr(llm.KindServerUnavailable, "503"),
	}
	chat := &fakeChat{streams: []llm.Stream{stream}}
	engine, _, _, _ := newTestEngine(t, chat)

	result := engine.GenerateStream(context.Background(), testGenerateRequest(), func(string) error { return nil })
	assert.False(t, result.Failed, "a partial answer beats an apology")
	assert.Equal(t, "half an answer", result.Text)
}

func TestGenerateStreamErrorBeforeOutputApologizes(t *testing.T) {
	stream := &fakeStream{finalErr: providerErr(llm.KindServerUnavailable, "503")}
	chat := &fakeChat{streams: []llm.Stream{stream}}
	engine, _, _, _ := newTestEngine(t, chat)

	result := engine.GenerateStream(context.Background(), testGenerateRequest(), func(string) error { return nil })
	assert.True(t, result.Failed)
	assert.Equal(t, ReplyServerUnavailable, result.Text)
}

func TestGenerationParamsDefaults(t *testing.T) {
	engine, _, _, _ := newTestEngine(t, &fakeChat{})

	params := engine.generationParams(GenerateRequest{})
	require.NotNil(t, params.Temperature)
	assert.InDelta(t, 0.75, float64(*params.Temperature), 1e-6)
	require.NotNil(t, params.FrequencyPenalty)
	assert.InDelta(t, 0.0, float64(*params.FrequencyPenalty), 1e-6)
	require.NotNil(t, params.PresencePenalty)
	assert.InDelta(t, 1.0, float64(*params.PresencePenalty), 1e-6)

	params = engine.generationParams(GenerateRequest{Temperature: 0.3})
	assert.InDelta(t, 0.3, float64(*params.Temperature), 1e-6)

	params = engine.generationParams(GenerateRequest{Temperature: 1.5})
	assert.InDelta(t, 0.75, float64(*params.Temperature), 1e-6, "out-of-range falls back to the default")
}
