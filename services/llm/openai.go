// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint.
// Azure and proxy deployments are covered by pointing the base URL at them.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
}

var (
	_ Client   = (*OpenAIClient)(nil)
	_ Embedder = (*OpenAIClient)(nil)
)

// NewOpenAIClient builds a client from the environment: OPENAI_API_KEY
// (or the mounted secret file), optional OPENAI_API_BASE and OPENAI_MODEL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from mounted secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	return NewOpenAIClientWith(apiKey, os.Getenv("OPENAI_API_BASE"), model), nil
}

// NewOpenAIClientWith builds a client for an explicit credential and base
// URL. Used for tenants that carry their own provider credential.
func NewOpenAIClientWith(apiKey, baseURL, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", model, "custom_base", baseURL != "")
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		model:          model,
		embeddingModel: openai.AdaEmbeddingV2,
	}
}

// WithEmbeddingModel overrides the default embedding model and returns
// the client for chaining.
func (o *OpenAIClient) WithEmbeddingModel(model string) *OpenAIClient {
	if model != "" {
		o.embeddingModel = openai.EmbeddingModel(model)
	}
	return o
}

// Chat implements Client.
func (o *OpenAIClient) Chat(ctx context.Context, turns []datatypes.Turn, params GenerationParams) (*Reply, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(turns, params, false))
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Kind: KindServerUnavailable, Message: "provider returned no choices", Err: nil}
	}
	return &Reply{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: datatypes.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatStream implements Client. The terminal chunk carries cumulative
// usage because the request asks the provider to include it.
func (o *OpenAIClient) ChatStream(ctx context.Context, turns []datatypes.Turn, params GenerationParams) (Stream, error) {
	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(turns, params, true))
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	return &openaiStream{inner: stream}, nil
}

// Embed implements Embedder.
func (o *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.embeddingModel,
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Data) == 0 {
		return nil, &ProviderError{Kind: KindServerUnavailable, Message: "provider returned no embedding data"}
	}
	return resp.Data[0].Embedding, nil
}

func (o *OpenAIClient) buildRequest(turns []datatypes.Turn, params GenerationParams, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    t.Role,
			Content: t.Content,
			Name:    t.Name,
		})
	}
	model := params.Model
	if model == "" {
		model = o.model
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *params.FrequencyPenalty
	}
	if params.PresencePenalty != nil {
		req.PresencePenalty = *params.PresencePenalty
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// openaiStream adapts the SDK stream to the Stream interface and folds
// its errors into the taxonomy.
type openaiStream struct {
	inner *openai.ChatCompletionStream
}

func (s *openaiStream) Recv() (Chunk, error) {
	resp, err := s.inner.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, classifyOpenAI(err)
	}
	chunk := Chunk{Model: resp.Model}
	if len(resp.Choices) > 0 {
		chunk.Content = resp.Choices[0].Delta.Content
	}
	if resp.Usage != nil {
		chunk.Usage = &datatypes.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return chunk, nil
}

func (s *openaiStream) Close() error {
	return s.inner.Close()
}

// classifyOpenAI folds a go-openai SDK error into the ErrorKind taxonomy.
func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Kind: classifyStatus(apiErr.HTTPStatusCode), Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Kind: classifyStatus(reqErr.HTTPStatusCode), Message: reqErr.Error(), Err: err}
	}
	return &ProviderError{Kind: classifyTransport(err), Message: err.Error(), Err: err}
}
