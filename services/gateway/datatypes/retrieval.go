// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Document categories stored in the similarity index.
const (
	CategoryKnowledge   = "kb"      // knowledge-base chunks
	CategoryFileChat    = "ka"      // file-scoped knowledge chunks
	CategoryQA          = "qa"      // curated question/answer pairs
	CategoryAction      = "atc"     // action-transformer command suggestions
	CategoryResource    = "res"     // media resources (images, videos)
	CategoryStarter     = "starter" // conversation starters pinning a team bot
	CategoryNotify      = "qnt"     // query patterns that trigger notifications
)

// Hit is one nearest-neighbor result from the similarity index, ordered
// ascending by distance (the first hit is the closest).
type Hit struct {
	// Key is the index document key (the backing hash key).
	Key string
	// Distance is the raw vector distance reported by the index.
	Distance float64
	// Fields carries the decoded stored field values (text, source,
	// title, id, dkey, ...). Absent fields are simply missing.
	Fields map[string]string
}

// Similarity converts the index distance into the similarity reported to
// callers.
func (h Hit) Similarity() float64 {
	return 1.0 - h.Distance
}

// Field returns a decoded stored field, or "" when absent.
func (h Hit) Field(name string) string {
	return h.Fields[name]
}

// CitedDoc is a retrieved document surfaced to the user as a citation.
// DedupKey combines id and url so near-duplicate chunk hits of the same
// file collapse into one citation.
type CitedDoc struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// DedupKey is the composite identity used to deduplicate cited documents.
func (d CitedDoc) DedupKey() string {
	return d.ID + ";" + d.URL
}

// CitedLink is a source page reference attached to a reply.
type CitedLink struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Resource is a suggested media attachment.
type Resource struct {
	URL   string  `json:"url"`
	Name  string  `json:"name"`
	Type  string  `json:"type,omitempty"` // image | video | unknown
	Score float64 `json:"score"`
}

// Command is a suggested action-transformer command.
type Command struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}
