package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// schema creates the event table used by the sliding window
const schema = `
	CREATE TABLE IF NOT EXISTS rate_limit_events (
		id        UUID PRIMARY KEY,
		scope_key TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_events_scope_ts
		ON rate_limit_events (scope_key, timestamp);
`

// RateLimitService handles rate limiting using PostgreSQL so every gateway
// replica shares one view of each caller's usage
type RateLimitService struct {
	db     *sql.DB
	limits Limits
	now    func() time.Time
	logger *zap.Logger
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(db *sql.DB, limits Limits, logger *zap.Logger) *RateLimitService {
	return &RateLimitService{
		db:     db,
		limits: limits,
		now:    time.Now,
		logger: logger,
	}
}

// EnsureSchema creates the event table when it does not exist
func (s *RateLimitService) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create rate limit schema: %w", err)
	}
	return nil
}

// Allow checks each window with a sliding count and records the request when
// it is admitted
func (s *RateLimitService) Allow(ctx context.Context, key string) (*Decision, error) {
	if !s.limits.Enabled() {
		return allowAll(), nil
	}

	scopeKey := buildScopeKey(key)
	now := s.now()
	decision := &Decision{Allowed: true, Remaining: -1}

	windows := []struct {
		window RateLimitWindow
		limit  int
	}{
		{WindowMinute, s.limits.RequestsPerMinute},
		{WindowHour, s.limits.RequestsPerHour},
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}

		allowed, remaining, resetAt, err := s.checkWindow(ctx, scopeKey, w.window, now, w.limit)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s window: %w", w.window, err)
		}
		if !allowed {
			return &Decision{
				Allowed:        false,
				Limit:          w.limit,
				Remaining:      0,
				ResetAt:        resetAt,
				ViolatedWindow: w.window,
			}, nil
		}

		// Report the tightest window; this request consumes one slot
		if decision.Remaining < 0 || remaining-1 < decision.Remaining {
			decision.Limit = w.limit
			decision.Remaining = remaining - 1
			decision.ResetAt = resetAt
		}
	}

	if err := s.recordEvent(ctx, scopeKey, now); err != nil {
		return nil, fmt.Errorf("failed to record request: %w", err)
	}

	return decision, nil
}

// checkWindow checks if the limit is exceeded for a specific time window
func (s *RateLimitService) checkWindow(ctx context.Context, scopeKey string, window RateLimitWindow, now time.Time, limit int) (allowed bool, remaining int, resetAt time.Time, err error) {
	windowStart, resetAt := getWindowBounds(now, window)

	query := `
		SELECT COUNT(*)
		FROM rate_limit_events
		WHERE scope_key = $1
		  AND timestamp >= $2
		  AND timestamp < $3
	`

	var count int
	err = s.db.QueryRowContext(ctx, query, scopeKey, windowStart, now).Scan(&count)
	if err != nil {
		return false, 0, resetAt, fmt.Errorf("failed to query rate limit: %w", err)
	}

	if count >= limit {
		return false, 0, resetAt, nil
	}

	return true, limit - count, resetAt, nil
}

// recordEvent records a rate limit event
func (s *RateLimitService) recordEvent(ctx context.Context, scopeKey string, timestamp time.Time) error {
	query := `
		INSERT INTO rate_limit_events (id, scope_key, timestamp)
		VALUES ($1, $2, $3)
	`

	_, err := s.db.ExecContext(ctx, query, uuid.New(), scopeKey, timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert rate limit event: %w", err)
	}

	return nil
}

// getWindowBounds returns the start and reset time for a time window
func getWindowBounds(now time.Time, window RateLimitWindow) (start time.Time, reset time.Time) {
	switch window {
	case WindowMinute:
		start = now.Add(-1 * time.Minute)
		reset = now.Truncate(time.Minute).Add(time.Minute)
	case WindowHour:
		start = now.Add(-1 * time.Hour)
		reset = now.Truncate(time.Hour).Add(time.Hour)
	}
	return start, reset
}

// buildScopeKey namespaces chat keys inside the shared event table
func buildScopeKey(key string) string {
	return "chat:" + key
}

// CleanupOldRequests removes old rate limit events to keep the table size manageable
func (s *RateLimitService) CleanupOldRequests(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoffTime := s.now().Add(-olderThan)

	query := `
		DELETE FROM rate_limit_events
		WHERE timestamp < $1
	`

	result, err := s.db.ExecContext(ctx, query, cutoffTime)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old requests: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("cleaned up old rate limit events",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Time("cutoff_time", cutoffTime))

	return rowsAffected, nil
}

// GetCurrentUsage returns the current usage for a key
func (s *RateLimitService) GetCurrentUsage(ctx context.Context, key string) (*UsageStats, error) {
	scopeKey := buildScopeKey(key)
	now := s.now()

	stats := &UsageStats{}

	minuteStart, _ := getWindowBounds(now, WindowMinute)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rate_limit_events WHERE scope_key = $1 AND timestamp >= $2",
		scopeKey, minuteStart).Scan(&stats.RequestsLastMinute); err != nil {
		return nil, err
	}

	hourStart, _ := getWindowBounds(now, WindowHour)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rate_limit_events WHERE scope_key = $1 AND timestamp >= $2",
		scopeKey, hourStart).Scan(&stats.RequestsLastHour); err != nil {
		return nil, err
	}

	return stats, nil
}

// UsageStats represents current usage statistics
type UsageStats struct {
	RequestsLastMinute int
	RequestsLastHour   int
}
