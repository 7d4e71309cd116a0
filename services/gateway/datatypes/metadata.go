// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"strings"
)

// Replies travel through channels that only accept plain text, so the
// structured metadata rides in a trailing fenced block:
//
//	...reply text...
//	```sf-json
//	{"docs":[...],"pages":[...],"resources":[...],"commands":[...],
//	 "score":0.91,"logid":"...","teammode":0,"teamid":0,"teambotid":0}
//	```
//
// Channel adapters must parse and strip the block before rendering the
// reply to humans. This is a frozen wire convention; the key set below is
// fixed.

const (
	sfJSONOpen  = "\n```sf-json\n"
	sfJSONClose = "\n```\n"
)

// ReplyMetadata is the structured payload of the sf-json block.
type ReplyMetadata struct {
	Docs      []CitedDoc  `json:"docs"`
	Pages     []CitedLink `json:"pages"`
	Resources []Resource  `json:"resources"`
	Commands  []Command   `json:"commands"`
	Score     float64     `json:"score"`
	LogID     string      `json:"logid"`
	TeamMode  int         `json:"teammode"`
	TeamID    int         `json:"teamid"`
	TeamBotID int         `json:"teambotid"`
}

// Append returns the reply text with the sf-json block appended. Nil
// slices are emitted as empty arrays so adapters never see null.
func (m ReplyMetadata) Append(text string) string {
	if m.Docs == nil {
		m.Docs = []CitedDoc{}
	}
	if m.Pages == nil {
		m.Pages = []CitedLink{}
	}
	if m.Resources == nil {
		m.Resources = []Resource{}
	}
	if m.Commands == nil {
		m.Commands = []Command{}
	}
	payload, err := json.Marshal(m)
	if err != nil {
		// The struct is always marshalable; guard anyway.
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString(sfJSONOpen)
	b.Write(payload)
	b.WriteString(sfJSONClose)
	return b.String()
}

// StripMetadata splits a reply into its human-readable text and the parsed
// trailing sf-json block. The second return is nil when the reply carries
// no block or the block does not parse; the text is returned unchanged in
// that case.
func StripMetadata(reply string) (string, *ReplyMetadata) {
	idx := strings.LastIndex(reply, sfJSONOpen)
	if idx < 0 {
		return reply, nil
	}
	rest := reply[idx+len(sfJSONOpen):]
	end := strings.Index(rest, "\n```")
	if end < 0 {
		return reply, nil
	}
	var m ReplyMetadata
	if err := json.Unmarshal([]byte(rest[:end]), &m); err != nil {
		return reply, nil
	}
	return reply[:idx], &m
}
