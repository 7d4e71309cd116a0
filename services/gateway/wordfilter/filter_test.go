// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package wordfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, words map[string]string, text string) string {
	t.Helper()
	return compile(words).apply(text)
}

func TestCompile_EmptyMapPassesThrough(t *testing.T) {
	assert.Equal(t, "anything goes", apply(t, nil, "anything goes"))
	assert.Equal(t, "still fine", apply(t, map[string]string{"": "x"}, "still fine"))
}

func TestApply_ReplacesAllOccurrences(t *testing.T) {
	words := map[string]string{"badword": "***"}
	got := apply(t, words, "a badword and another badword here")
	assert.Equal(t, "a *** and another *** here", got)
}

func TestApply_CaseInsensitive(t *testing.T) {
	words := map[string]string{"secret": "[redacted]"}
	got := apply(t, words, "The SECRET and the Secret")
	assert.Equal(t, "The [redacted] and the [redacted]", got)
}

func TestApply_LeftmostLongestWins(t *testing.T) {
	words := map[string]string{
		"bad":       "B",
		"bad apple": "GOOD APPLE",
	}
	got := apply(t, words, "one bad apple")
	assert.Equal(t, "one GOOD APPLE", got)
}

func TestApply_EmptyReplacementRemovesWord(t *testing.T) {
	words := map[string]string{"filler": ""}
	got := apply(t, words, "some filler text")
	assert.Equal(t, "some  text", got)
}

func TestApply_SkipsSubstringsOfLargerWords(t *testing.T) {
	words := map[string]string{"ass": "***"}
	assert.Equal(t, "the class assembles", apply(t, words, "the class assembles"))
	assert.Equal(t, "what an ***!", apply(t, words, "what an ass!"))
	assert.Equal(t, "***", apply(t, words, "ass"))
}

func TestApply_DigitsExtendAWord(t *testing.T) {
	words := map[string]string{"spam": "x"}
	assert.Equal(t, "spam99 stays", apply(t, words, "spam99 stays"))
}

func TestApply_MultiBytePatterns(t *testing.T) {
	words := map[string]string{"敏感词": "**"}
	got := apply(t, words, "这句话里有敏感词需要处理")
	assert.Equal(t, "这句话里有**需要处理", got)
}

func TestCompile_RecordsLoadTime(t *testing.T) {
	c := compile(map[string]string{"w": "x"})
	require.NotNil(t, c.matcher)
	assert.False(t, c.loadedAt.IsZero())
}
