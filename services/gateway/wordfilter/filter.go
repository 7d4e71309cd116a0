// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package wordfilter rewrites sensitive words in generated replies using
// tenant-specific substitution maps. Maps live in Redis hashes
// (word:filter:org:{id}); the shared org-0 map applies to every tenant and
// tenant entries override shared ones for the same word.
//
// Compiled matchers are cached in memory and reloaded at most once per
// reload interval. A reload failure keeps serving the stale matcher.
package wordfilter

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
	"github.com/redis/go-redis/v9"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

// DefaultReloadInterval bounds how long an edited word map can stay unseen.
const DefaultReloadInterval = 60 * time.Second

// sharedOrg is the organization whose word map applies to all tenants.
const sharedOrg int64 = 0

// Filter applies tenant word substitution with a time-boxed reload cache.
type Filter struct {
	rdb      redis.UniversalClient
	interval time.Duration

	mu    sync.RWMutex
	cache map[int64]*compiled
}

type compiled struct {
	matcher      *ahocorasick.AhoCorasick
	replacements []string
	loadedAt     time.Time
}

// New builds a filter over the given Redis connection. A non-positive
// interval falls back to DefaultReloadInterval.
func New(rdb redis.UniversalClient, interval time.Duration) *Filter {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	return &Filter{
		rdb:      rdb,
		interval: interval,
		cache:    make(map[int64]*compiled),
	}
}

// Apply rewrites text with the merged shared and tenant word maps. On any
// load failure with no cached matcher, the text passes through unchanged:
// filtering is best-effort and never blocks a reply.
func (f *Filter) Apply(ctx context.Context, orgID int64, text string) string {
	c := f.compiledFor(ctx, orgID)
	if c == nil {
		return text
	}
	return c.apply(text)
}

// apply splices replacements over the matches. ASCII words embedded in a
// longer word are skipped so "ass" never fires inside "class"; the check
// is byte-based and leaves multi-byte patterns matching anywhere.
func (c *compiled) apply(text string) string {
	if c.matcher == nil {
		return text
	}
	matches := c.matcher.FindAll(text)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if !wholeWord(text, m.Start(), m.End()) {
			continue
		}
		b.WriteString(text[last:m.Start()])
		b.WriteString(c.replacements[m.Pattern()])
		last = m.End()
	}
	b.WriteString(text[last:])
	return b.String()
}

func wholeWord(text string, start, end int) bool {
	if start > 0 && isWordByte(text[start-1]) {
		return false
	}
	if end < len(text) && isWordByte(text[end]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func (f *Filter) compiledFor(ctx context.Context, orgID int64) *compiled {
	f.mu.RLock()
	c, ok := f.cache[orgID]
	f.mu.RUnlock()
	if ok && time.Since(c.loadedAt) < f.interval {
		return c
	}

	words, err := f.loadWords(ctx, orgID)
	if err != nil {
		slog.Warn("Word map reload failed, keeping cached matcher", "org_id", orgID, "error", err)
		if ok {
			return c
		}
		return nil
	}

	fresh := compile(words)
	f.mu.Lock()
	f.cache[orgID] = fresh
	f.mu.Unlock()
	return fresh
}

// loadWords merges the shared map with the tenant map, tenant winning.
func (f *Filter) loadWords(ctx context.Context, orgID int64) (map[string]string, error) {
	words, err := f.rdb.HGetAll(ctx, wordMapKey(sharedOrg)).Result()
	if err != nil {
		return nil, err
	}
	if orgID != sharedOrg {
		tenant, err := f.rdb.HGetAll(ctx, wordMapKey(orgID)).Result()
		if err != nil {
			return nil, err
		}
		for word, replacement := range tenant {
			words[word] = replacement
		}
	}
	return words, nil
}

func wordMapKey(orgID int64) string {
	return datatypes.TenantRef{OrgID: int(orgID)}.WordFilterKey()
}

// compile builds the substitution matcher. Leftmost-longest matching keeps
// a longer banned phrase from being shadowed by one of its substrings.
func compile(words map[string]string) *compiled {
	c := &compiled{loadedAt: time.Now()}
	if len(words) == 0 {
		return c
	}
	patterns := make([]string, 0, len(words))
	replacements := make([]string, 0, len(words))
	for word, replacement := range words {
		if word == "" {
			continue
		}
		patterns = append(patterns, word)
		replacements = append(replacements, replacement)
	}
	if len(patterns) == 0 {
		return c
	}
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
		DFA:                  true,
	})
	matcher := builder.Build(patterns)
	c.matcher = &matcher
	c.replacements = replacements
	return c
}
