package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewledger/ai-gateway/auth"
	"github.com/crewledger/ai-gateway/config"
	"github.com/crewledger/ai-gateway/services/chatcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testConfig returns a configuration that needs no database or network
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Chat: config.ChatConfig{
			Candidates:       []string{"gemini-2.5-flash", "gemini-2.0-flash"},
			FirstByteTimeout: 30 * time.Second,
			MaxToolRounds:    3,
			MaxBodyBytes:     1 << 20,
			AppName:          "CrewLedger",
			Timezone:         "UTC",
		},
		Upstream: config.UpstreamConfig{
			Name:           "gemini",
			APIKey:         "test-key",
			ConnectTimeout: time.Second,
		},
		AttemptLog: config.AttemptLogConfig{
			Path:       filepath.Join(t.TempDir(), "attempts.log"),
			BufferSize: 16,
		},
		RateLimit: config.RateLimitConfig{
			Enabled:           true,
			Backend:           "memory",
			RequestsPerMinute: 20,
			RequestsPerHour:   300,
			CleanupSchedule:   "@every 10m",
			Retention:         2 * time.Hour,
			IdleTTL:           30 * time.Minute,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-that-is-long-enough",
			Leeway:    time.Second,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}

func TestNewDependencies(t *testing.T) {
	t.Run("wires the gateway without a database", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NotNil(t, deps)

		// Verify infrastructure
		assert.Nil(t, deps.DB)
		assert.NotNil(t, deps.Metrics)

		// Without a database no tools are offered
		assert.Nil(t, deps.Tools)

		// Verify gateway core
		assert.Equal(t, cfg.Chat.Candidates, deps.Candidates.All())
		assert.NotNil(t, deps.Gateway)
		assert.NotNil(t, deps.AttemptLog)
		assert.NotNil(t, deps.ContextBuilder)
		assert.Nil(t, deps.ToolCache)

		provider, err := deps.Providers.GetProviderForModel("gemini-2.0-flash")
		require.NoError(t, err)
		assert.Equal(t, "gemini", provider.Name())

		// Verify gates and handlers
		assert.NotNil(t, deps.AuthMiddleware)
		assert.NotNil(t, deps.RateLimitMiddleware)
		assert.NotNil(t, deps.Janitor)
		assert.NotNil(t, deps.ChatHandler)
		assert.NotNil(t, deps.HealthHandler)

		bundle, err := deps.ContextBuilder.Build(ctx, chatcontext.Principal{Subject: "user-1"})
		require.NoError(t, err)
		assert.Empty(t, bundle.Tools)

		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		assert.NoError(t, deps.Close(shutdownCtx))
	})

	t.Run("rate limiting disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RateLimit.Enabled = false

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)

		assert.Nil(t, deps.RateLimitMiddleware)
		assert.NotNil(t, deps.Janitor)
		assert.NoError(t, deps.Close(context.Background()))
	})

	t.Run("anonymous auth", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Auth.Disabled = true
		cfg.Auth.JWTSecret = ""

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.NotNil(t, deps.AuthMiddleware)
		assert.NoError(t, deps.Close(context.Background()))
	})

	t.Run("postgres rate limit without database", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RateLimit.Backend = "postgres"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
	})

	t.Run("invalid cleanup schedule", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.RateLimit.CleanupSchedule = "whenever"

		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "invalid schedule")
	})

	t.Run("empty candidate list", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Chat.Candidates = nil

		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestTokenValidatorAdapter(t *testing.T) {
	validator, err := auth.NewValidator(auth.Config{Secret: "test-secret-that-is-long-enough"})
	require.NoError(t, err)

	token, err := validator.Sign("user-42", "Dana", "dana@example.com", time.Hour)
	require.NoError(t, err)

	adapter := &tokenValidatorAdapter{validator: validator}

	claims, err := adapter.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Sub)
	assert.Equal(t, "Dana", claims.Name)
	assert.Equal(t, "dana@example.com", claims.Email)
	assert.Greater(t, claims.Exp, claims.Iat)

	_, err = adapter.ValidateToken(context.Background(), token+"x")
	assert.Error(t, err)
}
