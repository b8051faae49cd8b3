package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crewledger/ai-gateway/services/ratelimit"
	"github.com/crewledger/ai-gateway/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockRateLimitChecker is a mock implementation of RateLimitChecker
type MockRateLimitChecker struct {
	mock.Mock
}

func (m *MockRateLimitChecker) Allow(ctx context.Context, key string) (*ratelimit.Decision, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ratelimit.Decision), args.Error(1)
}

type countingMetrics struct {
	errors int
}

func (c *countingMetrics) RateLimitError() { c.errors++ }

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	logger := zap.NewNop()
	now := time.Date(2024, 1, 15, 14, 30, 45, 0, time.UTC)

	t.Run("allowed request passes with headers", func(t *testing.T) {
		limiter := new(MockRateLimitChecker)
		limiter.On("Allow", mock.Anything, "user:user-1").
			Return(&ratelimit.Decision{Allowed: true, Limit: 20, Remaining: 19}, nil)

		called := false
		handler := NewRateLimitMiddleware(limiter, nil, logger).Limit(okHandler(&called))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		req = req.WithContext(WithClaims(req.Context(), &Claims{Sub: "user-1"}))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.True(t, called)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "20", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "19", w.Header().Get("X-RateLimit-Remaining"))
		limiter.AssertExpectations(t)
	})

	t.Run("denied request returns 429", func(t *testing.T) {
		limiter := new(MockRateLimitChecker)
		limiter.On("Allow", mock.Anything, "user:user-1").Return(&ratelimit.Decision{
			Allowed:        false,
			Limit:          20,
			ResetAt:        now.Add(15 * time.Second),
			ViolatedWindow: ratelimit.WindowMinute,
		}, nil)

		called := false
		m := NewRateLimitMiddleware(limiter, nil, logger)
		m.now = func() time.Time { return now }
		handler := m.Limit(okHandler(&called))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		req = req.WithContext(WithClaims(req.Context(), &Claims{Sub: "user-1"}))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.False(t, called)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "15", w.Header().Get("Retry-After"))

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "rate_limit_exceeded", response.Error)
		assert.Equal(t, "exceeded 20 requests per minute", response.Message)
		assert.Equal(t, "minute", response.Details["window"])
		assert.Equal(t, "2024-01-15T14:31:00Z", response.Details["reset_at"])
	})

	t.Run("sub-second reset rounds up", func(t *testing.T) {
		limiter := new(MockRateLimitChecker)
		limiter.On("Allow", mock.Anything, "user:user-1").Return(&ratelimit.Decision{
			Allowed:        false,
			Limit:          20,
			ResetAt:        now.Add(300 * time.Millisecond),
			ViolatedWindow: ratelimit.WindowMinute,
		}, nil)

		called := false
		m := NewRateLimitMiddleware(limiter, nil, logger)
		m.now = func() time.Time { return now }
		handler := m.Limit(okHandler(&called))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		req = req.WithContext(WithClaims(req.Context(), &Claims{Sub: "user-1"}))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
	})

	t.Run("limiter error fails open", func(t *testing.T) {
		limiter := new(MockRateLimitChecker)
		limiter.On("Allow", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
		metrics := &countingMetrics{}

		called := false
		handler := NewRateLimitMiddleware(limiter, metrics, logger).Limit(okHandler(&called))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.True(t, called)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, metrics.errors)
	})
}

func TestRateLimitKey(t *testing.T) {
	t.Run("authenticated subject", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithClaims(req.Context(), &Claims{Sub: "user-7"}))
		assert.Equal(t, "user:user-7", rateLimitKey(req))
	})

	t.Run("anonymous falls back to client ip", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:52100"
		req = req.WithContext(WithClaims(req.Context(), AnonymousClaims()))
		assert.Equal(t, "ip:203.0.113.9", rateLimitKey(req))
	})

	t.Run("token subject named anonymous keeps its own bucket", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:52100"
		req = req.WithContext(WithClaims(req.Context(), &Claims{Sub: AnonymousSubject}))
		assert.Equal(t, "user:anonymous", rateLimitKey(req))
	})

	t.Run("remote addr without port", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9"
		assert.Equal(t, "ip:203.0.113.9", rateLimitKey(req))
	})
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		-2 * time.Second:        1,
		300 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		15 * time.Second:        15,
	}
	for d, want := range cases {
		assert.Equal(t, want, retryAfterSeconds(d), d.String())
	}
}
