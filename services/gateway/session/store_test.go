// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sflowlabs/sfbot/pkg/tokens"
	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	counter, err := tokens.Default()
	require.NoError(t, err)
	return NewStore(counter)
}

func TestGet_EmptySession(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.Get("u1"))
	assert.Equal(t, 0, s.Len("u1"))
}

func TestAppendSystemAndUser_SystemAlwaysFirst(t *testing.T) {
	s := newTestStore(t)
	s.AppendSystemAndUser("u1", "prompt v1", "hello", -1)
	s.AppendAssistant("u1", "hi there")
	s.AppendSystemAndUser("u1", "prompt v2", "how are you", -1)

	turns := s.Get("u1")
	require.Len(t, turns, 4)
	assert.Equal(t, datatypes.RoleSystem, turns[0].Role)
	assert.Equal(t, "prompt v2", turns[0].Content, "system prompt should be refreshed, not duplicated")
	assert.Equal(t, datatypes.RoleUser, turns[1].Role)
	assert.Equal(t, datatypes.RoleAssistant, turns[2].Role)
	assert.Equal(t, "how are you", turns[3].Content)
}

func TestAppendSystemAndUser_KeepTurnsTruncates(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.AppendSystemAndUser("u1", "sys", "q", -1)
		s.AppendAssistant("u1", "a")
	}
	s.AppendSystemAndUser("u1", "sys", "latest", 3)

	turns := s.Get("u1")
	// system + 3 kept exchanges + new user turn
	require.Len(t, turns, 1+3*2+1)
	assert.Equal(t, datatypes.RoleSystem, turns[0].Role)
	assert.Equal(t, "latest", turns[len(turns)-1].Content)
}

func TestAppendAssistant_DroppedAfterReset(t *testing.T) {
	s := newTestStore(t)
	s.AppendSystemAndUser("u1", "sys", "q", -1)
	s.Reset("u1")
	s.AppendAssistant("u1", "late reply")
	assert.Equal(t, 0, s.Len("u1"))
}

func TestEvictToFit_RemovesOldestPairs(t *testing.T) {
	s := newTestStore(t)
	filler := strings.Repeat("alpha beta gamma delta ", 50)
	for i := 0; i < 4; i++ {
		s.AppendSystemAndUser("u1", "sys", filler, -1)
		s.AppendAssistant("u1", filler)
	}
	require.Equal(t, 9, s.Len("u1"))

	before := s.CountTokens("u1")
	limit := before / 2
	s.EvictToFit("u1", limit)

	after := s.CountTokens("u1")
	assert.Less(t, after, before)
	turns := s.Get("u1")
	assert.Equal(t, datatypes.RoleSystem, turns[0].Role, "system turn survives eviction")
	assert.GreaterOrEqual(t, len(turns), minEvictableLen)
}

func TestEvictToFit_NeverBelowSystemPlusOneExchange(t *testing.T) {
	s := newTestStore(t)
	big := strings.Repeat("overflow ", 500)
	s.AppendSystemAndUser("u1", big, big, -1)
	s.AppendAssistant("u1", big)
	require.Equal(t, 3, s.Len("u1"))

	s.EvictToFit("u1", 1)

	turns := s.Get("u1")
	require.Len(t, turns, 3, "floor is system plus the latest exchange even over budget")
	assert.Equal(t, datatypes.RoleSystem, turns[0].Role)
	assert.Equal(t, datatypes.RoleUser, turns[1].Role)
	assert.Equal(t, datatypes.RoleAssistant, turns[2].Role)
}

func TestEvictToFit_WithinBudgetAfterEviction(t *testing.T) {
	s := newTestStore(t)
	filler := strings.Repeat("token soup ", 80)
	for i := 0; i < 10; i++ {
		s.AppendSystemAndUser("u1", "sys", filler, -1)
		s.AppendAssistant("u1", filler)
	}
	limit := s.CountTokens("u1") * 2 / 3
	s.EvictToFit("u1", limit)
	assert.LessOrEqual(t, s.CountTokens("u1"), limit)
}

func TestReset_ClearsOnlyThatKey(t *testing.T) {
	s := newTestStore(t)
	s.AppendSystemAndUser("u1", "sys", "q1", -1)
	s.AppendSystemAndUser("u2", "sys", "q2", -1)
	s.Reset("u1")
	assert.Equal(t, 0, s.Len("u1"))
	assert.Equal(t, 2, s.Len("u2"))
}

func TestPurgeIdle(t *testing.T) {
	s := newTestStore(t)
	s.AppendSystemAndUser("stale", "sys", "q", -1)
	s.sessions["stale"].lastUsed = time.Now().Add(-2 * time.Hour)
	s.AppendSystemAndUser("fresh", "sys", "q", -1)

	purged := s.PurgeIdle(time.Hour)
	assert.Equal(t, 1, purged)

	s.mu.RLock()
	_, staleOK := s.sessions["stale"]
	_, freshOK := s.sessions["fresh"]
	s.mu.RUnlock()
	assert.False(t, staleOK)
	assert.True(t, freshOK)
}

func TestStartJanitor_RunsUntilCancelled(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.StartJanitor(ctx, time.Minute, time.Hour)
		close(done)
	}()

	// The janitor loops until the context ends, so callers must run it on
	// its own goroutine.
	select {
	case <-done:
		t.Fatal("janitor returned before the context was cancelled")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}
}

func TestConcurrentKeysDoNotCorrupt(t *testing.T) {
	s := newTestStore(t)
	var wg sync.WaitGroup
	keys := []string{"a", "b", "c", "d"}
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.AppendSystemAndUser(key, "sys", "question", -1)
				s.AppendAssistant(key, "answer")
			}
		}(key)
	}
	wg.Wait()
	for _, key := range keys {
		assert.Equal(t, 1+50*2, s.Len(key))
	}
}
