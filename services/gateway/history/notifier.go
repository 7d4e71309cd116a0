// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Backend posts side-effect mutations (hit counters, query notifications)
// to the management GraphQL endpoint. All calls are best-effort: callers
// fire them from goroutines and only log failures.
type Backend struct {
	url    string
	client *http.Client
}

// NewBackend builds a client for the given GraphQL endpoint. An empty URL
// disables all backend side effects.
func NewBackend(url string) *Backend {
	return &Backend{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// IncreaseHitCount records that a stored document backed an answer.
func (b *Backend) IncreaseHitCount(ctx context.Context, docID, category, url string) error {
	return b.post(ctx, hitCountMutation(docID, category, url))
}

// Notify posts one query notification carrying the matched exchange.
func (b *Backend) Notify(ctx context.Context, watchID, question, answer string) error {
	err := b.post(ctx, notificationMutation(watchID, notificationContent(question, answer)))
	if err == nil && b.url != "" {
		slog.Info("Query notification delivered", "watch_id", watchID)
	}
	return err
}

func (b *Backend) post(ctx context.Context, mutation string) error {
	if b.url == "" {
		return nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"query":     mutation,
		"variables": map[string]interface{}{},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func hitCountMutation(docID, category, url string) string {
	return fmt.Sprintf("mutation increaseHitCount { increaseHitCount( id:%s, category:%q, url:%q ) }", docID, category, url)
}

func notificationMutation(watchID, content string) string {
	return fmt.Sprintf("mutation notiSfbotNotification { notiSfbotNotification( id:%s, content:%q ) }", watchID, content)
}
