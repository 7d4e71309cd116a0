// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/services"
)

// fakeQueryGateway returns a canned reply and records the request it saw.
type fakeQueryGateway struct {
	reply  services.ChatReply
	tokens []string
	seen   services.ChatRequest
}

func (g *fakeQueryGateway) HandleQuery(_ context.Context, req services.ChatRequest) services.ChatReply {
	g.seen = req
	return g.reply
}

func (g *fakeQueryGateway) HandleQueryStream(_ context.Context, req services.ChatRequest, emit func(string) error) services.ChatReply {
	g.seen = req
	for _, token := range g.tokens {
		if err := emit(token); err != nil {
			break
		}
	}
	return g.reply
}

func newChatRouter(gw QueryGateway) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/chat", HandleChat(gw, nil))
	router.POST("/v1/chat/stream", HandleChatStream(gw, nil))
	return router
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleChat(t *testing.T) {
	meta := datatypes.ReplyMetadata{LogID: "log-1"}
	gw := &fakeQueryGateway{reply: services.ChatReply{
		Text: meta.Append("We are open 9 to 5."),
		Meta: meta,
	}}
	router := newChatRouter(gw)

	w := postJSON(t, router, "/v1/chat", gin.H{
		"query":     "when are you open",
		"user_key":  "wx:user:1",
		"tenant_id": "org:4:bot:9",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Reply string                  `json:"reply"`
		Meta  datatypes.ReplyMetadata `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Reply, "We are open 9 to 5.")
	assert.Contains(t, resp.Reply, "```sf-json")
	assert.Equal(t, "log-1", resp.Meta.LogID)

	assert.Equal(t, "when are you open", gw.seen.Query)
	assert.Equal(t, "org:4:bot:9", gw.seen.TenantID)
}

func TestHandleChatRejectsMalformedBody(t *testing.T) {
	router := newChatRouter(&fakeQueryGateway{})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatRequiresQueryAndUserKey(t *testing.T) {
	router := newChatRouter(&fakeQueryGateway{})

	w := postJSON(t, router, "/v1/chat", gin.H{"user_key": "wx:user:1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, router, "/v1/chat", gin.H{"query": "hello"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatRejectsUnsafeIdentifiers(t *testing.T) {
	router := newChatRouter(&fakeQueryGateway{})

	w := postJSON(t, router, "/v1/chat", gin.H{
		"query":    "hello",
		"user_key": "wx:user:*",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(t, router, "/v1/chat", gin.H{
		"query":     "hello",
		"user_key":  "wx:user:1",
		"tenant_id": "org:4 bot:9",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatStream(t *testing.T) {
	meta := datatypes.ReplyMetadata{LogID: "log-1"}
	gw := &fakeQueryGateway{
		tokens: []string{"We are ", "open 9 to 5."},
		reply: services.ChatReply{
			Text: meta.Append("We are open 9 to 5."),
			Meta: meta,
		},
	}
	router := newChatRouter(gw)

	w := postJSON(t, router, "/v1/chat/stream", gin.H{
		"query":    "when are you open",
		"user_key": "wx:user:1",
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	events := parseSSE(t, body)
	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, "status", events[0].Type)
	assert.Equal(t, "generating", events[0].Message)
	assert.Equal(t, "token", events[1].Type)
	assert.Equal(t, "We are ", events[1].Content)
	assert.Equal(t, "token", events[2].Type)

	last := events[len(events)-1]
	assert.Equal(t, "done", last.Type)
	require.NotNil(t, last.Meta)
	assert.Equal(t, "log-1", last.Meta.LogID)
	assert.NotContains(t, body, "event: error")
}

func TestHandleChatStreamFailureEmitsErrorEvent(t *testing.T) {
	meta := datatypes.ReplyMetadata{}
	gw := &fakeQueryGateway{reply: services.ChatReply{
		Text:   meta.Append(services.ReplyServerUnavailable),
		Meta:   meta,
		Failed: true,
	}}
	router := newChatRouter(gw)

	w := postJSON(t, router, "/v1/chat/stream", gin.H{
		"query":    "hello",
		"user_key": "wx:user:1",
	})

	events := parseSSE(t, w.Body.String())
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "error", events[len(events)-2].Type)
	assert.Equal(t, services.ReplyServerUnavailable, events[len(events)-2].Error)
	assert.Equal(t, "done", events[len(events)-1].Type)
}

// parseSSE decodes the data lines of an SSE body, skipping comments.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}
	return events
}
