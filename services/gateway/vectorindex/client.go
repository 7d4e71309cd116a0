// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vectorindex issues hybrid nearest-neighbor queries against the
// similarity store. A query combines a tenant/category pre-filter with a
// KNN clause over the stored embedding field; results come back ordered
// ascending by vector distance.
//
// An empty result set is not an error. Connection-level failures surface
// as ErrRetrievalUnavailable so callers can degrade to a no-context prompt
// instead of failing the turn.
package vectorindex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/gateway/observability"
)

var indexTracer = otel.Tracer("sfbot.gateway.vectorindex")

// ErrRetrievalUnavailable signals that the similarity store could not be
// reached. Callers fall back to a no-context prompt.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// DefaultIndex is the similarity index shared by all tenants.
const DefaultIndex = "sflow-index"

// DefaultVectorField is the hash field holding the stored embedding.
const DefaultVectorField = "text_vector"

// distanceAlias names the KNN distance in the result set.
const distanceAlias = "dist"

// Query describes one hybrid KNN search.
type Query struct {
	// Vector is the query embedding.
	Vector []float32

	// Filter is the tenant/category pre-filter; nil matches everything.
	Filter *Filter

	// VectorField overrides the embedding field; empty means
	// DefaultVectorField.
	VectorField string

	// K is the number of neighbors requested.
	K int

	// Offset skips the closest Offset hits.
	Offset int
}

// Searcher is the retrieval contract consumed by the context builder.
type Searcher interface {
	Search(ctx context.Context, index string, q Query) ([]datatypes.Hit, error)
}

// Client runs FT.SEARCH KNN queries over RediSearch.
type Client struct {
	rdb redis.UniversalClient
}

var _ Searcher = (*Client)(nil)

// NewClient wraps an established Redis connection.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Search implements Searcher. Results are ordered ascending by distance;
// a missing index or no matching documents both yield an empty slice.
func (c *Client) Search(ctx context.Context, index string, q Query) ([]datatypes.Hit, error) {
	ctx, span := indexTracer.Start(ctx, "vectorindex.Search")
	defer span.End()

	filter := "*"
	if q.Filter != nil {
		filter = q.Filter.String()
	}
	field := q.VectorField
	if field == "" {
		field = DefaultVectorField
	}
	expr := fmt.Sprintf("%s=>[KNN %d @%s $vec AS %s]", filter, q.K, field, distanceAlias)
	span.SetAttributes(
		attribute.String("index.name", index),
		attribute.String("index.filter", filter),
		attribute.Int("index.k", q.K),
	)

	started := time.Now()
	res, err := c.rdb.FTSearchWithArgs(ctx, index, expr, &redis.FTSearchOptions{
		Params:         map[string]interface{}{"vec": encodeVector(q.Vector)},
		SortBy:         []redis.FTSearchSortBy{{FieldName: distanceAlias, Asc: true}},
		LimitOffset:    q.Offset,
		Limit:          q.K,
		DialectVersion: 2,
	}).Result()
	if m := observability.DefaultMetrics; m != nil && q.Filter != nil {
		m.RecordRetrieval(q.Filter.category, time.Since(started).Seconds())
	}
	if err != nil {
		if isMissingIndex(err) {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "similarity search failed")
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	hits := docsToHits(res.Docs)
	span.SetAttributes(attribute.Int("index.hits", len(hits)))
	return hits, nil
}

// IncrementHitCount bumps the usage counter on a stored document. Used as
// a fire-and-forget side effect when a document backs an answer.
func (c *Client) IncrementHitCount(ctx context.Context, docKey string) error {
	return c.rdb.HIncrBy(ctx, docKey, "hits", 1).Err()
}

// encodeVector packs the embedding as little-endian float32 bytes, the
// layout RediSearch expects for a FLOAT32 vector parameter.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func docsToHits(docs []redis.Document) []datatypes.Hit {
	hits := make([]datatypes.Hit, 0, len(docs))
	for _, doc := range docs {
		hit := datatypes.Hit{
			Key:      doc.ID,
			Distance: 1,
			Fields:   doc.Fields,
		}
		if raw, ok := doc.Fields[distanceAlias]; ok {
			if d, err := strconv.ParseFloat(raw, 64); err == nil {
				hit.Distance = d
			}
		}
		hits = append(hits, hit)
	}
	return hits
}

// isMissingIndex reports whether the error means the index was never
// created for this tenant, which is an empty corpus rather than an outage.
func isMissingIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such index") ||
		strings.Contains(msg, "unknown index")
}
