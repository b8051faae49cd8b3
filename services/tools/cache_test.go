package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/crewledger/ai-gateway/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCacheKey(t *testing.T) {
	a, ok := cacheKey(ToolDetailedStats, json.RawMessage(`{"period":"week","client_id":3}`))
	require.True(t, ok)
	b, ok := cacheKey(ToolDetailedStats, json.RawMessage(`{ "client_id": 3, "period": "week" }`))
	require.True(t, ok)
	assert.Equal(t, a, b)

	c, ok := cacheKey(ToolDashboardStats, json.RawMessage(`{"period":"week","client_id":3}`))
	require.True(t, ok)
	assert.NotEqual(t, a, c)

	_, ok = cacheKey(ToolDashboardStats, json.RawMessage(`[1,2]`))
	assert.False(t, ok)
}

func TestResultCache_GetSet(t *testing.T) {
	cache := NewResultCache(10, 5*time.Minute)

	// Test cache miss
	_, hit := cache.Get("k")
	assert.False(t, hit)

	// Test cache set and hit
	cache.Set("k", `{"hours":4}`)
	result, hit := cache.Get("k")
	assert.True(t, hit)
	assert.Equal(t, `{"hours":4}`, result)

	// Overwrite keeps a single entry
	cache.Set("k", `{"hours":5}`)
	result, _ = cache.Get("k")
	assert.Equal(t, `{"hours":5}`, result)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.0001)
}

func TestResultCache_Expiry(t *testing.T) {
	cache := NewResultCache(10, time.Minute)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set("old", "1")
	now = now.Add(30 * time.Second)
	cache.Set("fresh", "2")

	now = now.Add(45 * time.Second)
	_, hit := cache.Get("old")
	assert.False(t, hit)
	_, hit = cache.Get("fresh")
	assert.True(t, hit)

	now = now.Add(time.Minute)
	assert.Equal(t, 1, cache.CleanupExpired())
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestResultCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewResultCache(2, time.Minute)

	cache.Set("a", "1")
	cache.Set("b", "2")
	_, _ = cache.Get("a")
	cache.Set("c", "3")

	_, hit := cache.Get("b")
	assert.False(t, hit)
	_, hit = cache.Get("a")
	assert.True(t, hit)
	_, hit = cache.Get("c")
	assert.True(t, hit)
	assert.Equal(t, 2, cache.Stats().Size)
}

func TestExecutor_InvokeCached(t *testing.T) {
	source := new(MockStatsSource)
	cache := NewResultCache(8, time.Minute)
	executor, err := NewExecutor(source, zap.NewNop(), WithCache(cache))
	require.NoError(t, err)

	source.On("GetDashboardStats", mock.Anything, models.PeriodWeek).
		Return(&models.DashboardStats{Period: models.PeriodWeek, HoursWorked: 42}, nil).Once()

	first, err := executor.Invoke(context.Background(), ToolDashboardStats, json.RawMessage(`{"period":"week"}`))
	require.NoError(t, err)
	second, err := executor.Invoke(context.Background(), ToolDashboardStats, json.RawMessage(`{ "period": "week" }`))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), cache.Stats().Hits)
	source.AssertNumberOfCalls(t, "GetDashboardStats", 1)
}
