package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/crewledger/ai-gateway/services/ratelimit"
	"github.com/crewledger/ai-gateway/utils"
	"go.uber.org/zap"
)

// RateLimitChecker defines the interface for rate limit checking
type RateLimitChecker interface {
	Allow(ctx context.Context, key string) (*ratelimit.Decision, error)
}

// RateLimitMetrics counts limiter failures
type RateLimitMetrics interface {
	RateLimitError()
}

// RateLimitMiddleware rejects callers that exceeded their chat quota.
// It runs after RequireAuth so the principal is known.
type RateLimitMiddleware struct {
	limiter RateLimitChecker
	metrics RateLimitMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware; metrics may be nil
func NewRateLimitMiddleware(limiter RateLimitChecker, metrics RateLimitMetrics, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Limit is the middleware handler
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)
		key := rateLimitKey(r)

		decision, err := m.limiter.Allow(ctx, key)
		if err != nil {
			// Fail open: a broken limiter must not take chat down with it
			m.logger.Warn("rate limit check failed, allowing request",
				zap.String("request_id", requestID),
				zap.String("key", key),
				zap.Error(err))
			if m.metrics != nil {
				m.metrics.RateLimitError()
			}
			next.ServeHTTP(w, r)
			return
		}

		if decision.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
		}

		if !decision.Allowed {
			now := m.now()
			m.logger.Warn("rate limit exceeded",
				zap.String("request_id", requestID),
				zap.String("key", key),
				zap.String("window", string(decision.ViolatedWindow)))

			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter(now))))
			_ = utils.WriteTooManyRequests(w, decision.Reason(), map[string]interface{}{
				"window":   decision.ViolatedWindow,
				"limit":    decision.Limit,
				"reset_at": decision.ResetAt.UTC().Format(time.RFC3339),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds up so clients never retry before the window resets
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// rateLimitKey identifies the caller: the authenticated subject, else the client IP
func rateLimitKey(r *http.Request) string {
	if claims := GetClaimsFromContext(r.Context()); claims != nil && claims.Sub != "" && !claims.Anonymous() {
		return "user:" + claims.Sub
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
