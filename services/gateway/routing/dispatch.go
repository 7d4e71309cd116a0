// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/sflowlabs/sfbot/services/gateway/datatypes"
	"github.com/sflowlabs/sfbot/services/llm"
)

// minTeamInfoLen is the shortest aggregate team description worth sending
// to the dispatch model; below it no dispatch is possible.
const minTeamInfoLen = 20

// dispatchTemperature keeps the dispatch model deterministic enough to
// emit parseable JSON.
const dispatchTemperature float32 = 0.1

// teamSummary is one team's dispatch description with its visibility flag.
type teamSummary struct {
	teamID int
	desc   string
	public bool
}

// dispatch asks the LLM to route the query to a team bot based on the
// visible team descriptions. Any failure, including unparseable output or
// a "0/0 unsure" answer, reports no dispatch.
func (r *Resolver) dispatch(ctx context.Context, tenant datatypes.TenantRef, req Request) (datatypes.TeamRef, bool) {
	teams := r.loadTeamSummaries(ctx, tenant, req.TeamID)
	info := visibleTeamInfo(teams, req.UserFlag)
	if len(info) < minTeamInfoLen {
		slog.Info("No teams visible for dispatch", "org_id", tenant.OrgID, "user_flag", req.UserFlag)
		return datatypes.TeamRef{}, false
	}

	turns := []datatypes.Turn{
		{Role: datatypes.RoleSystem, Content: dispatchSystemPrompt(info)},
		{Role: datatypes.RoleUser, Content: dispatchUserPrompt(req.Query)},
	}
	temp := dispatchTemperature
	reply, err := r.chat.Chat(ctx, turns, llm.GenerationParams{Temperature: &temp})
	if err != nil {
		slog.Warn("Team dispatch call failed", "org_id", tenant.OrgID, "error", err)
		return datatypes.TeamRef{}, false
	}

	teamID, botID, err := parseDispatch(reply.Content)
	if err != nil {
		slog.Warn("Team dispatch reply not parseable", "reply", reply.Content, "error", err)
		return datatypes.TeamRef{}, false
	}
	if botID == 0 {
		return datatypes.TeamRef{}, false
	}
	return datatypes.TeamRef{OrgID: tenant.OrgID, TeamID: teamID, BotID: botID}, true
}

// loadTeamSummaries gathers team descriptions for the organization. When
// the hints already name a team, only that team is considered.
func (r *Resolver) loadTeamSummaries(ctx context.Context, tenant datatypes.TenantRef, pinnedTeam int) []teamSummary {
	keys := make([]string, 0, 8)
	iter := r.rdb.Scan(ctx, 0, datatypes.TeamDataPattern(tenant.OrgID), 50).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if pinnedTeam > 0 {
		pinnedKey := datatypes.TeamRef{OrgID: tenant.OrgID, TeamID: pinnedTeam}.DataKey()
		for _, key := range keys {
			if key == pinnedKey {
				keys = []string{pinnedKey}
				break
			}
		}
	}
	sort.Strings(keys)

	teams := make([]teamSummary, 0, len(keys))
	for _, key := range keys {
		fields, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		teams = append(teams, teamSummary{
			teamID: datatypes.ParseTeamIDFromKey(key),
			desc:   fields["team_desc"],
			public: fields["public"] != "0",
		})
	}
	return teams
}

// visibleTeamInfo renders the markdown team block the dispatch model sees.
// Internal users see every team; external users see public teams only.
func visibleTeamInfo(teams []teamSummary, userFlag string) string {
	info := "# Team Information\n"
	for _, t := range teams {
		if !t.public && userFlag != datatypes.UserFlagInternal {
			continue
		}
		info += t.desc + "\n"
	}
	return info
}

func dispatchSystemPrompt(teamInfo string) string {
	return "You are a contact-center manager, and you try to dispatch the user query to the most suitable team/agent.\n" +
		"You only provide clear, concise, factual answers to queries, and do not try to make up an answer.\n" +
		"The functionality and responsibility of teams are described below in markdown format.\n\n" +
		"```markdown\n" + teamInfo + "\n```\n"
}

func dispatchUserPrompt(query string) string {
	return "Here is user query.\n" +
		"```\n" + query + "\n```\n\n" +
		"Reply the dispatchment in json format with 2 keys named team_id and agent_id.\n" +
		"If you have no idea about how to dispatch based on the given team information, simply return team_id=0 and agent_id=0.\n" +
		"The answer should be only json string and nothing else.\n"
}

// parseDispatch decodes the strict {team_id, agent_id} answer. Numbers may
// arrive as JSON numbers or numeric strings; anything else is an error.
func parseDispatch(content string) (teamID, botID int, err error) {
	var dispatch struct {
		TeamID  json.Number `json:"team_id"`
		AgentID json.Number `json:"agent_id"`
	}
	if err := json.Unmarshal([]byte(content), &dispatch); err != nil {
		return 0, 0, fmt.Errorf("decoding dispatch reply: %w", err)
	}
	team, err := dispatch.TeamID.Int64()
	if err != nil {
		return 0, 0, fmt.Errorf("team_id not numeric: %w", err)
	}
	bot, err := dispatch.AgentID.Int64()
	if err != nil {
		return 0, 0, fmt.Errorf("agent_id not numeric: %w", err)
	}
	return int(team), int(bot), nil
}
