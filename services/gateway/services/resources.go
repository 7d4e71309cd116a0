// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/vectorindex"
	"github.com/sflowlabs/sfbot/services/llm"
)

// maxResourceDistance gates media attachment to paragraphs.
const maxResourceDistance = 0.25

// minResourceParagraphLen skips short paragraphs: headings, list stubs and
// sign-offs attract spurious matches.
const minResourceParagraphLen = 50

// resourceProbeDepth bounds how far down the ranking the inserter looks
// for a not-yet-used resource per paragraph.
const resourceProbeDepth = 10

// ResourceFinder suggests and embeds media resources for generated text.
type ResourceFinder struct {
	searcher vectorindex.Searcher
	embedder llm.Embedder
}

// NewResourceFinder wires the finder.
func NewResourceFinder(searcher vectorindex.Searcher, embedder llm.Embedder) *ResourceFinder {
	return &ResourceFinder{searcher: searcher, embedder: embedder}
}

// Suggest returns media resources relevant to the text, deduplicated by
// URL. Failures yield an empty list.
func (f *ResourceFinder) Suggest(ctx context.Context, orgID int, text string) []datatypes.Resource {
	vec, err := f.embedder.Embed(ctx, text)
	if err != nil {
		return nil
	}
	hits, err := f.searchResources(ctx, orgID, vec, 5, 0)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var resources []datatypes.Resource
	for _, hit := range hits {
		resURL := hit.Field("url")
		if resURL == "" || seen[resURL] {
			continue
		}
		seen[resURL] = true
		resources = append(resources, datatypes.Resource{
			URL:   resURL,
			Name:  hit.Field("title"),
			Score: hit.Similarity(),
		})
	}
	return resources
}

// InsertInline attaches at most one unused media resource to each
// paragraph of sufficient length, embedding it as inline markup after the
// paragraph. The input text is returned unchanged when nothing qualifies.
func (f *ResourceFinder) InsertInline(ctx context.Context, orgID int, text string) string {
	usedKeys := make(map[string]bool)
	paragraphs := strings.Split(text, "\n\n")
	for i, paragraph := range paragraphs {
		if len(paragraph) < minResourceParagraphLen {
			continue
		}
		res, ok := f.topUnusedResource(ctx, orgID, paragraph, usedKeys)
		if !ok {
			continue
		}
		if tag := inlineResourceTag(res); tag != "" {
			paragraphs[i] = paragraphs[i] + tag
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

type rankedResource struct {
	key  string
	url  string
	name string
	kind string
}

// topUnusedResource walks down the ranking for the paragraph until it
// finds a resource not attached to an earlier paragraph of this reply.
func (f *ResourceFinder) topUnusedResource(ctx context.Context, orgID int, paragraph string, used map[string]bool) (rankedResource, bool) {
	vec, err := f.embedder.Embed(ctx, paragraph)
	if err != nil {
		return rankedResource{}, false
	}
	for offset := 0; offset < resourceProbeDepth; offset++ {
		hits, err := f.searchResources(ctx, orgID, vec, 1, offset)
		if err != nil || len(hits) == 0 {
			return rankedResource{}, false
		}
		hit := hits[0]
		if hit.Distance > maxResourceDistance {
			return rankedResource{}, false
		}
		resURL := hit.Field("url")
		if resURL == "" {
			return rankedResource{}, false
		}
		if used[hit.Key] {
			continue
		}
		used[hit.Key] = true
		return rankedResource{
			key:  hit.Key,
			url:  resURL,
			name: hit.Field("title"),
			kind: resourceKind(resURL),
		}, true
	}
	return rankedResource{}, false
}

func (f *ResourceFinder) searchResources(ctx context.Context, orgID int, vec []float32, k, offset int) ([]datatypes.Hit, error) {
	filter := vectorindex.NewFilter().
		OrgShared(datatypes.TenantRef{OrgID: orgID}).
		Category(datatypes.CategoryResource)
	return f.searcher.Search(ctx, vectorindex.DefaultIndex, vectorindex.Query{
		Vector: vec,
		Filter: filter,
		K:      k,
		Offset: offset,
	})
}

// inlineResourceTag renders the HTML embed for a media resource. Unknown
// media kinds are not embedded.
func inlineResourceTag(res rankedResource) string {
	switch res.kind {
	case "image":
		return fmt.Sprintf("\n\n<img src=%q alt=%q width=\"600\">\n\n\n", res.url, res.name)
	case "video":
		return fmt.Sprintf("\n\n<video width=\"600\" controls><source src=%q type=\"video/mp4\">Your browser does not support the video tag.</video>\n\n\n", res.url)
	default:
		return ""
	}
}

var (
	imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".svg", ".webp"}
	videoExtensions = []string{".mp4", ".webm", ".ogv"}
)

// resourceKind classifies a resource URL by its file extension, ignoring
// any query string.
func resourceKind(rawURL string) string {
	clean := strings.ToLower(stripURLQuery(rawURL))
	for _, ext := range imageExtensions {
		if strings.HasSuffix(clean, ext) {
			return "image"
		}
	}
	for _, ext := range videoExtensions {
		if strings.HasSuffix(clean, ext) {
			return "video"
		}
	}
	return "unknown"
}

func stripURLQuery(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}
