// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/routing"
	"github.com/sflowlabs/sfbot/services/gateway/vectorindex"
	"github.com/sflowlabs/sfbot/services/llm"
)

// fakeSearcher routes searches by the category clause in the filter
// expression and records every query it sees.
type fakeSearcher struct {
	mu      sync.Mutex
	hits    map[string][]datatypes.Hit // keyed by category
	err     error
	queries []vectorindex.Query
	filters []string
}

func (s *fakeSearcher) Search(_ context.Context, _ string, q vectorindex.Query) ([]datatypes.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := "*"
	if q.Filter != nil {
		filter = q.Filter.String()
	}
	s.queries = append(s.queries, q)
	s.filters = append(s.filters, filter)
	if s.err != nil {
		return nil, s.err
	}
	for category, hits := range s.hits {
		if strings.Contains(filter, `@category:"`+category+`"`) {
			if q.Offset >= len(hits) {
				return nil, nil
			}
			end := q.Offset + q.K
			if end > len(hits) {
				end = len(hits)
			}
			return hits[q.Offset:end], nil
		}
	}
	return nil, nil
}

func (s *fakeSearcher) searchCount(category string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.filters {
		if strings.Contains(f, `@category:"`+category+`"`) {
			n++
		}
	}
	return n
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.vec != nil {
		return e.vec, nil
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeChat returns scripted outcomes in order, then repeats the last one.
type fakeChat struct {
	mu       sync.Mutex
	replies  []*llm.Reply
	errs     []error
	streams  []llm.Stream
	calls    int
	lastSeen []datatypes.Turn
}

func (c *fakeChat) next() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return i, c.errs[i]
	}
	return i, nil
}

func (c *fakeChat) Chat(_ context.Context, turns []datatypes.Turn, _ llm.GenerationParams) (*llm.Reply, error) {
	i, err := c.next()
	c.mu.Lock()
	c.lastSeen = turns
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	return c.replies[i], nil
}

func (c *fakeChat) ChatStream(_ context.Context, turns []datatypes.Turn, _ llm.GenerationParams) (llm.Stream, error) {
	i, err := c.next()
	c.mu.Lock()
	c.lastSeen = turns
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if i >= len(c.streams) {
		i = len(c.streams) - 1
	}
	return c.streams[i], nil
}

// fakeStream yields the scripted chunks then io.EOF or a terminal error.
type fakeStream struct {
	chunks   []llm.Chunk
	finalErr error
	pos      int
	closed   bool
}

func (s *fakeStream) Recv() (llm.Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.finalErr != nil {
			return llm.Chunk{}, s.finalErr
		}
		return llm.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeLogger struct {
	mu      sync.Mutex
	records []datatypes.ChatTurnLog
	id      string
	err     error
}

func (l *fakeLogger) LogTurn(_ context.Context, rec datatypes.ChatTurnLog) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	if l.err != nil {
		return "", l.err
	}
	if l.id == "" {
		return "log-1", nil
	}
	return l.id, nil
}

func (l *fakeLogger) last() (datatypes.ChatTurnLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return datatypes.ChatTurnLog{}, false
	}
	return l.records[len(l.records)-1], true
}

// passFilter marks filtered text so tests can assert the filter ran, and
// how many times.
type passFilter struct {
	mu    sync.Mutex
	calls int
}

func (f *passFilter) Apply(_ context.Context, _ int64, text string) string {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return strings.ReplaceAll(text, "badword", "***")
}

type fakeRefReader struct {
	values map[string]string
}

func (r *fakeRefReader) LIndex(_ context.Context, key string, _ int64) *redis.StringCmd {
	if v, ok := r.values[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

// fakeResolver returns canned routing outcomes.
type fakeResolver struct {
	decision datatypes.RoutingDecision
	tc       datatypes.TenantContext
}

func (r *fakeResolver) Resolve(_ context.Context, _ datatypes.TenantRef, _ routing.Request) datatypes.RoutingDecision {
	return r.decision
}

func (r *fakeResolver) LoadTenantContext(_ context.Context, tenant datatypes.TenantRef, userFlag string) datatypes.TenantContext {
	tc := r.tc
	tc.Tenant = tenant
	tc.UserFlag = userFlag
	if tc.SimilarityThreshold == 0 {
		tc.SimilarityThreshold = routing.DefaultSimilarityThreshold
	}
	return tc
}
