package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// bucket holds the token buckets for one key
type bucket struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per key and window in process memory.
// Buckets refill continuously, so the window limits are approximate.
type MemoryLimiter struct {
	limits  Limits
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	logger  *zap.Logger
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(limits Limits, logger *zap.Logger) *MemoryLimiter {
	return &MemoryLimiter{
		limits:  limits,
		buckets: make(map[string]*bucket),
		now:     time.Now,
		logger:  logger,
	}
}

// Allow consumes one token from every enabled window for key
func (l *MemoryLimiter) Allow(_ context.Context, key string) (*Decision, error) {
	if !l.limits.Enabled() {
		return allowAll(), nil
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getBucket(key, now)
	b.lastSeen = now

	// n is never above the burst, so reservations are always OK
	minute := reserve(b.minute, now)
	if d := delay(minute, now); d > 0 {
		minute.CancelAt(now)
		return l.deny(WindowMinute, l.limits.RequestsPerMinute, now.Add(d)), nil
	}

	hour := reserve(b.hour, now)
	if d := delay(hour, now); d > 0 {
		hour.CancelAt(now)
		if minute != nil {
			minute.CancelAt(now)
		}
		return l.deny(WindowHour, l.limits.RequestsPerHour, now.Add(d)), nil
	}

	decision := &Decision{Allowed: true, Remaining: -1}
	if b.minute != nil {
		decision.Limit = l.limits.RequestsPerMinute
		decision.Remaining = int(b.minute.TokensAt(now))
		decision.ResetAt = now.Add(time.Minute / time.Duration(l.limits.RequestsPerMinute))
	}
	if b.hour != nil {
		remaining := int(b.hour.TokensAt(now))
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Limit = l.limits.RequestsPerHour
			decision.Remaining = remaining
			decision.ResetAt = now.Add(time.Hour / time.Duration(l.limits.RequestsPerHour))
		}
	}
	return decision, nil
}

// Sweep drops buckets not used for idle and returns how many were removed
func (l *MemoryLimiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("swept idle rate limit buckets",
			zap.Int("removed", removed),
			zap.Int("remaining", len(l.buckets)))
	}
	return removed
}

// Len returns the number of tracked keys
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *MemoryLimiter) getBucket(key string, now time.Time) *bucket {
	b, exists := l.buckets[key]
	if exists {
		return b
	}

	b = &bucket{lastSeen: now}
	if n := l.limits.RequestsPerMinute; n > 0 {
		b.minute = newWindowLimiter(time.Minute, n, now)
	}
	if n := l.limits.RequestsPerHour; n > 0 {
		b.hour = newWindowLimiter(time.Hour, n, now)
	}
	l.buckets[key] = b
	return b
}

func (l *MemoryLimiter) deny(window RateLimitWindow, limit int, resetAt time.Time) *Decision {
	return &Decision{
		Allowed:        false,
		Limit:          limit,
		Remaining:      0,
		ResetAt:        resetAt,
		ViolatedWindow: window,
	}
}

// newWindowLimiter allows n events per window with a full bucket at start
func newWindowLimiter(window time.Duration, n int, now time.Time) *rate.Limiter {
	lim := rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
	// Touch the limiter so its clock starts at now rather than the zero time
	lim.SetLimitAt(now, lim.Limit())
	return lim
}

func reserve(lim *rate.Limiter, now time.Time) *rate.Reservation {
	if lim == nil {
		return nil
	}
	return lim.ReserveN(now, 1)
}

func delay(r *rate.Reservation, now time.Time) time.Duration {
	if r == nil {
		return 0
	}
	return r.DelayFrom(now)
}
