// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyMetadata_AppendAndStrip(t *testing.T) {
	meta := ReplyMetadata{
		Docs:  []CitedDoc{{ID: "41", Category: "file", URL: "https://example.com/a.pdf"}},
		Pages: []CitedLink{{URL: "https://example.com/faq", Title: "FAQ"}},
		Score: 0.91,
		LogID: "log-123",
	}
	out := meta.Append("Here is your answer.")

	assert.True(t, strings.HasPrefix(out, "Here is your answer."))
	assert.Contains(t, out, "```sf-json\n")

	text, parsed := StripMetadata(out)
	require.NotNil(t, parsed)
	assert.Equal(t, "Here is your answer.", text)
	assert.Equal(t, meta.Docs, parsed.Docs)
	assert.Equal(t, meta.Pages, parsed.Pages)
	assert.InDelta(t, 0.91, parsed.Score, 1e-9)
	assert.Equal(t, "log-123", parsed.LogID)
}

func TestReplyMetadata_EmptySlicesNotNull(t *testing.T) {
	out := ReplyMetadata{LogID: "x"}.Append("hi")

	// Adapters expect arrays, never null.
	assert.Contains(t, out, `"docs":[]`)
	assert.Contains(t, out, `"pages":[]`)
	assert.Contains(t, out, `"resources":[]`)
	assert.Contains(t, out, `"commands":[]`)
}

func TestStripMetadata_NoBlock(t *testing.T) {
	text, parsed := StripMetadata("plain reply with no block")
	assert.Nil(t, parsed)
	assert.Equal(t, "plain reply with no block", text)
}

func TestStripMetadata_MalformedBlock(t *testing.T) {
	reply := "text\n```sf-json\n{not json}\n```\n"
	text, parsed := StripMetadata(reply)
	assert.Nil(t, parsed)
	assert.Equal(t, reply, text)
}

func TestStripMetadata_UsesLastBlock(t *testing.T) {
	inner := "quoting a block:\n```sf-json\n{\"logid\":\"first\"}\n```\n tail"
	out := ReplyMetadata{LogID: "second"}.Append(inner)

	text, parsed := StripMetadata(out)
	require.NotNil(t, parsed)
	assert.Equal(t, "second", parsed.LogID)
	assert.Equal(t, inner, text)
}
