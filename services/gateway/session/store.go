// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session owns the per-user rolling conversation history.
//
// A session holds ordered turns with at most one system turn, always at
// index 0. Eviction removes the oldest user/assistant pair until the
// estimated token cost fits the context limit, never evicting the system
// turn or the most recent exchange. Operations on one key are atomic;
// operations on different keys do not block each other.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sflowlabs/sfbot/pkg/tokens"
	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

// minEvictableLen is the smallest window eviction may leave behind:
// system prompt plus the latest user/assistant exchange.
const minEvictableLen = 3

// Store is the process-wide session cache. Sessions are created lazily on
// first access and live for the process lifetime unless reset or purged
// for idleness; a purged session simply restarts with a fresh system
// prompt on the next turn.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	counter  *tokens.Counter
}

type entry struct {
	mu       sync.Mutex
	turns    []datatypes.Turn
	lastUsed time.Time
}

// NewStore builds an empty store using the given token counter for
// eviction decisions.
func NewStore(counter *tokens.Counter) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		counter:  counter,
	}
}

// get returns the entry for key, creating it when absent.
func (s *Store) get(key string) *entry {
	s.mu.RLock()
	e, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.sessions[key]; ok {
		return e
	}
	e = &entry{lastUsed: time.Now()}
	s.sessions[key] = e
	return e
}

// Get returns a copy of the session turns for key, creating an empty
// session when absent.
func (s *Store) Get(key string) []datatypes.Turn {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = time.Now()
	out := make([]datatypes.Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Len returns the number of turns currently held for key.
func (s *Store) Len(key string) int {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.turns)
}

// AppendSystemAndUser installs the current system prompt at index 0,
// truncates leading history beyond keepTurns exchanges, and appends the
// user turn. keepTurns < 0 keeps all history.
func (s *Store) AppendSystemAndUser(key, systemPrompt, userText string, keepTurns int) {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = time.Now()

	if len(e.turns) > 0 && e.turns[0].Role == datatypes.RoleSystem {
		e.turns = e.turns[1:]
	}
	if keepTurns >= 0 && len(e.turns) > keepTurns*2 {
		e.turns = e.turns[len(e.turns)-keepTurns*2:]
	}
	turns := make([]datatypes.Turn, 0, len(e.turns)+2)
	turns = append(turns, datatypes.Turn{Role: datatypes.RoleSystem, Content: systemPrompt})
	turns = append(turns, e.turns...)
	turns = append(turns, datatypes.Turn{Role: datatypes.RoleUser, Content: userText})
	e.turns = turns
}

// AppendAssistant records the completed reply for key. A reply appended
// to an empty session is dropped: the session was reset mid-flight and a
// dangling assistant turn would corrupt the next window.
func (s *Store) AppendAssistant(key, text string) {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.turns) == 0 {
		return
	}
	e.lastUsed = time.Now()
	e.turns = append(e.turns, datatypes.Turn{Role: datatypes.RoleAssistant, Content: text})
}

// EvictToFit removes the oldest user/assistant pair (indices 1 and 2)
// while the estimated token cost exceeds limit, never shrinking below the
// system prompt plus one exchange.
func (s *Store) EvictToFit(key string, limit int) {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.turns) > minEvictableLen && s.count(e.turns) > limit {
		e.turns = append(e.turns[:1], e.turns[3:]...)
	}
}

// CountTokens returns the estimated token cost of the session window.
func (s *Store) CountTokens(key string) int {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.count(e.turns)
}

// Reset clears the session for key.
func (s *Store) Reset(key string) {
	e := s.get(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = nil
}

// PurgeIdle drops sessions untouched for longer than maxIdle and returns
// how many were removed. Dropping an idle session is always safe: the
// next turn starts with a fresh system prompt.
func (s *Store) PurgeIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, e := range s.sessions {
		e.mu.Lock()
		idle := e.lastUsed.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(s.sessions, key)
			purged++
		}
	}
	return purged
}

// StartJanitor purges idle sessions on the given interval until ctx is
// done. Run it from main as a background goroutine.
func (s *Store) StartJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.PurgeIdle(maxIdle); n > 0 {
				slog.Info("Purged idle sessions", "count", n)
			}
		}
	}
}

func (s *Store) count(turns []datatypes.Turn) int {
	msgs := make([]tokens.Message, len(turns))
	for i, t := range turns {
		msgs[i] = tokens.Message{Role: t.Role, Content: t.Content, Name: t.Name}
	}
	return s.counter.CountMessages(msgs)
}
