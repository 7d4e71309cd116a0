// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"context"
	"strconv"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

// DefaultSimilarityThreshold gates knowledge retrieval when the tenant has
// no override stored.
const DefaultSimilarityThreshold = 0.75

// LoadTenantContext builds the per-request configuration snapshot from the
// tenant's bot hash. Redis errors degrade to defaults: a missing config
// row must not fail the turn.
func (r *Resolver) LoadTenantContext(ctx context.Context, tenant datatypes.TenantRef, userFlag string) datatypes.TenantContext {
	tc := datatypes.TenantContext{
		Tenant:              tenant,
		UserFlag:            userFlag,
		SimilarityThreshold: DefaultSimilarityThreshold,
	}
	fields, err := r.rdb.HGetAll(ctx, tenant.MetaKey()).Result()
	if err != nil || len(fields) == 0 {
		return tc
	}
	tc.SimilarityThreshold = thresholdFromField(fields["threshold"])
	tc.Model = fields["model"]
	tc.CharacterDesc = fields["character_desc"]
	tc.Provider = fields["provider"]
	tc.Credential = fields["api_key"]
	return tc
}

// thresholdFromField converts the stored percentage distance cutoff into a
// similarity threshold: a stored value of 25 means "keep hits within 0.25
// distance", i.e. similarity >= 0.75.
func thresholdFromField(raw string) float64 {
	if raw == "" {
		return DefaultSimilarityThreshold
	}
	pct, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultSimilarityThreshold
	}
	return 1.0 - float64(pct)/100
}
