// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"fmt"
	"regexp"
	"strconv"
)

// Channel adapters deliver the tenant as a composite identifier of the form
// "org:<orgId>:bot:<botId>". The gateway parses it once at the boundary into
// a TenantRef and works with the structured value everywhere else.

var (
	orgPattern  = regexp.MustCompile(`org:(\d+)`)
	botPattern  = regexp.MustCompile(`bot:(\d+)`)
	teamPattern = regexp.MustCompile(`team:(\d+)`)
)

// TenantRef identifies a bot inside a customer organization.
type TenantRef struct {
	OrgID int
	BotID int
}

// ParseTenantRef parses a composite "org:N:bot:M" identifier. Missing or
// non-numeric components resolve to zero rather than failing: org 0 is the
// shared namespace and bot 0 disables per-bot features, which matches how
// channels have historically sent partial identifiers.
func ParseTenantRef(s string) TenantRef {
	ref := TenantRef{}
	if m := orgPattern.FindStringSubmatch(s); m != nil {
		ref.OrgID, _ = strconv.Atoi(m[1])
	}
	if m := botPattern.FindStringSubmatch(s); m != nil {
		ref.BotID, _ = strconv.Atoi(m[1])
	}
	return ref
}

// String formats the composite identifier.
func (r TenantRef) String() string {
	return fmt.Sprintf("org:%d:bot:%d", r.OrgID, r.BotID)
}

// MetaKey is the hash key holding per-bot configuration (model, threshold,
// persona, provider credentials, usage counters).
func (r TenantRef) MetaKey() string {
	return fmt.Sprintf("sfbot:org:%d:bot:%d", r.OrgID, r.BotID)
}

// WordFilterKey is the hash key holding the org's sensitive-word map.
func (r TenantRef) WordFilterKey() string {
	return fmt.Sprintf("word:filter:org:%d", r.OrgID)
}

// OrgFilter is the retrieval filter expression matching documents owned by
// the shared namespace or this organization, e.g. "(0|4)".
func (r TenantRef) OrgFilter() string {
	return fmt.Sprintf("(0|%d)", r.OrgID)
}

// TeamRef identifies an answering team bot inside an organization.
type TeamRef struct {
	OrgID  int
	TeamID int
	BotID  int
}

// BotKey is the hash key holding a team bot record (name, desc, prompt,
// model, nokb).
func (r TeamRef) BotKey() string {
	return fmt.Sprintf("sfteam:org:%d:team:%d:bot:%d", r.OrgID, r.TeamID, r.BotID)
}

// DataKey is the hash key holding a team's dispatch description.
func (r TeamRef) DataKey() string {
	return fmt.Sprintf("sfteam:org:%d:team:%d:data", r.OrgID, r.TeamID)
}

// TeamDataPattern matches every team description key of an organization.
func TeamDataPattern(orgID int) string {
	return fmt.Sprintf("sfteam:org:%d:team:*:data", orgID)
}

// TeamBotPattern matches a team bot across all teams of an organization,
// used to recover the team id when only the bot id is known.
func TeamBotPattern(orgID, botID int) string {
	return fmt.Sprintf("sfteam:org:%d:team:*:bot:%d", orgID, botID)
}

// ParseTeamIDFromKey extracts the team id from a "sfteam:org:N:team:T:..."
// key. Returns 0 when the key does not carry one.
func ParseTeamIDFromKey(key string) int {
	m := teamPattern.FindStringSubmatch(key)
	if m == nil {
		return 0
	}
	id, _ := strconv.Atoi(m[1])
	return id
}

// CharacterTag returns the character id used to scope retrieval to a team
// bot, e.g. "x9" for team bot 9.
func (r TeamRef) CharacterTag() string {
	return fmt.Sprintf("x%d", r.BotID)
}
