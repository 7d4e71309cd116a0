// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ChatHistoryClass is the Weaviate class holding completed exchanges.
const ChatHistoryClass = "ChatHistory"

// GetChatHistorySchema returns the class definition for durable chat turn
// records. Objects are plain records, never vectorized or searched by
// similarity.
func GetChatHistorySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ChatHistoryClass,
		Description: "A record of one user question and the bot's answer.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "tag",
				DataType:        []string{"text"},
				Description:     "Opaque user/channel key the exchange belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "organizationId",
				DataType:        []string{"int"},
				Description:     "Owning organization.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "sfbotId",
				DataType:        []string{"int"},
				Description:     "Answering bot within the organization.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "userId",
				DataType:        []string{"text"},
				Description:     "Platform user id, when the channel supplies one.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "question",
				DataType:     []string{"text"},
				Description:  "The user's query.",
				Tokenization: "word",
			},
			{
				Name:         "answer",
				DataType:     []string{"text"},
				Description:  "The generated reply, after word filtering.",
				Tokenization: "word",
			},
			{
				Name:        "model",
				DataType:    []string{"text"},
				Description: "Model that produced the answer.",
			},
			{
				Name:        "similarity",
				DataType:    []string{"number"},
				Description: "Best knowledge-base match similarity for the query.",
			},
			{
				Name:        "promptTokens",
				DataType:    []string{"int"},
				Description: "Prompt token usage reported by the provider.",
			},
			{
				Name:        "completionTokens",
				DataType:    []string{"int"},
				Description: "Completion token usage reported by the provider.",
			},
			{
				Name:        "totalTokens",
				DataType:    []string{"int"},
				Description: "Total token usage reported by the provider.",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the exchange completed.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureSchema creates the chat history class when it does not exist yet.
// Called once at startup; a live class is never altered.
func EnsureSchema(ctx context.Context, client *weaviate.Client) error {
	class := GetChatHistorySchema()
	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		slog.Info("Schema already exists", "class", class.Class)
		return nil
	}
	slog.Info("Schema not found, creating it...", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return err
	}
	slog.Info("Successfully created schema", "class", class.Class)
	return nil
}
