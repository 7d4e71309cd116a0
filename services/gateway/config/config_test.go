// Copyright (C) 2025 Sflow Labs (dev@sflowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "12260", cfg.Port)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 8192, cfg.ContextTokens)
	assert.Equal(t, "gpt-4o-mini", cfg.ChatModel)
	assert.Equal(t, []string{"#清除记忆"}, cfg.ClearCommands)
	assert.Equal(t, 60*time.Second, cfg.WordFilterReload)
	assert.Equal(t, 24*time.Hour, cfg.SessionIdleTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SFBOT_PORT", "9000")
	t.Setenv("SFBOT_CLEAR_COMMANDS", "#清除记忆,/reset")
	t.Setenv("SFBOT_CONTEXT_TOKENS", "4096")
	t.Setenv("SFBOT_SESSION_IDLE_TTL", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, []string{"#清除记忆", "/reset"}, cfg.ClearCommands)
	assert.Equal(t, 4096, cfg.ContextTokens)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTTL)
}

func TestLoadRejectsNonPositiveTokenBudget(t *testing.T) {
	t.Setenv("SFBOT_CONTEXT_TOKENS", "0")
	_, err := Load()
	assert.Error(t, err)
}
