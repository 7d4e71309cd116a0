// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorindex

import (
	"fmt"
	"strings"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
)

// Filter builds the hybrid pre-filter expression for a KNN query. Clauses
// are ANDed together; an empty filter matches everything.
type Filter struct {
	clauses  []string
	category string
}

// NewFilter returns an empty filter.
func NewFilter() *Filter {
	return &Filter{}
}

// Org restricts to documents owned by the given organization alone.
func (f *Filter) Org(orgID int64) *Filter {
	f.clauses = append(f.clauses, fmt.Sprintf("@orgid:(%d)", orgID))
	return f
}

// OrgShared restricts to documents owned by the tenant organization or by
// the shared organization 0. Only FAQ and resource documents are published
// into the shared namespace, so the other categories use Org.
func (f *Filter) OrgShared(ref datatypes.TenantRef) *Filter {
	f.clauses = append(f.clauses, "@orgid:"+ref.OrgFilter())
	return f
}

// Tags restricts by bar-delimited set membership on a tag field, e.g. a
// document readable by bot 5 or character x9.
func (f *Filter) Tags(field string, tags ...string) *Filter {
	if len(tags) == 0 {
		return f
	}
	f.clauses = append(f.clauses, fmt.Sprintf("@%s:{ %s }", field, strings.Join(tags, " | ")))
	return f
}

// VisibleTo restricts by the numeric public flag. Internal users see both
// public and internal documents; external users see public only.
func (f *Filter) VisibleTo(userFlag string) *Filter {
	if userFlag == datatypes.UserFlagInternal {
		f.clauses = append(f.clauses, "@public:[0 1]")
	} else {
		f.clauses = append(f.clauses, "@public:[1 1]")
	}
	return f
}

// Category restricts to one document category tag.
func (f *Filter) Category(category string) *Filter {
	f.category = category
	f.clauses = append(f.clauses, fmt.Sprintf("@category:%q", category))
	return f
}

// String renders the filter expression. An empty filter renders as "*".
func (f *Filter) String() string {
	if len(f.clauses) == 0 {
		return "*"
	}
	return "(" + strings.Join(f.clauses, " ") + ")"
}
