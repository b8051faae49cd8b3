package chatcontext

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/crewledger/ai-gateway/services/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCatalog []providers.ToolDeclaration

func (c staticCatalog) Declarations() []providers.ToolDeclaration { return c }

func fixedBuilder(tools ToolCatalog) *DefaultBuilder {
	b := NewDefaultBuilder(Config{AppName: "CrewLedger"}, tools)
	b.now = func() time.Time { return time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC) }
	return b
}

func TestDefaultBuilder_Build(t *testing.T) {
	t.Run("prompt carries date and name", func(t *testing.T) {
		bundle, err := fixedBuilder(nil).Build(context.Background(), Principal{Subject: "u1", Name: "Dana"})
		require.NoError(t, err)

		assert.Contains(t, bundle.SystemPrompt, "You are the CrewLedger assistant")
		assert.Contains(t, bundle.SystemPrompt, "Today is Monday, March 9, 2026.")
		assert.Contains(t, bundle.SystemPrompt, "You are talking to Dana.")
		assert.NotContains(t, bundle.SystemPrompt, "call the available tools")
		assert.Empty(t, bundle.Tools)
	})

	t.Run("email used when name is missing", func(t *testing.T) {
		bundle, err := fixedBuilder(nil).Build(context.Background(), Principal{Subject: "u1", Email: "dana@example.com"})
		require.NoError(t, err)
		assert.Contains(t, bundle.SystemPrompt, "You are talking to dana@example.com.")
	})

	t.Run("anonymous caller has no greeting line", func(t *testing.T) {
		bundle, err := fixedBuilder(nil).Build(context.Background(), Principal{Subject: "anonymous"})
		require.NoError(t, err)
		assert.NotContains(t, bundle.SystemPrompt, "You are talking to")
	})

	t.Run("tools attached", func(t *testing.T) {
		catalog := staticCatalog{{
			Name:        "get_dashboard_stats",
			Description: "stats",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}}

		bundle, err := fixedBuilder(catalog).Build(context.Background(), Principal{Subject: "u1"})
		require.NoError(t, err)
		require.Len(t, bundle.Tools, 1)
		assert.Equal(t, "get_dashboard_stats", bundle.Tools[0].Name)
		assert.Contains(t, bundle.SystemPrompt, "call the available tools")
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := fixedBuilder(nil).Build(ctx, Principal{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewDefaultBuilderDefaults(t *testing.T) {
	b := NewDefaultBuilder(Config{}, nil)
	assert.Equal(t, "CrewLedger", b.config.AppName)
	assert.Equal(t, time.UTC, b.config.Location)
}
