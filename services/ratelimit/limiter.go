// Package ratelimit gates chat requests per caller. Two backends share the
// Limiter interface: an in-process token bucket and a PostgreSQL sliding
// window for deployments running more than one gateway replica.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// RateLimitWindow represents the time window for rate limiting
type RateLimitWindow string

const (
	WindowMinute RateLimitWindow = "minute"
	WindowHour   RateLimitWindow = "hour"
)

// Backend names accepted by configuration
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Limits configures the per-key quotas. A zero value disables that window.
type Limits struct {
	RequestsPerMinute int
	RequestsPerHour   int
}

// Enabled reports whether any window is limited
func (l Limits) Enabled() bool {
	return l.RequestsPerMinute > 0 || l.RequestsPerHour > 0
}

// Decision is the outcome of a single Allow call
type Decision struct {
	Allowed        bool
	Limit          int
	Remaining      int
	ResetAt        time.Time
	ViolatedWindow RateLimitWindow
}

// Reason describes a denial for clients and logs
func (d *Decision) Reason() string {
	if d == nil || d.Allowed {
		return ""
	}
	return fmt.Sprintf("exceeded %d requests per %s", d.Limit, d.ViolatedWindow)
}

// RetryAfter returns how long the caller should wait, rounded up to a second
func (d *Decision) RetryAfter(now time.Time) time.Duration {
	if d == nil || d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	wait := d.ResetAt.Sub(now)
	return (wait + time.Second - 1) / time.Second * time.Second
}

// Limiter decides whether a request identified by key may proceed.
// An allowed call counts against the key's quota.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Decision, error)
}

func allowAll() *Decision {
	return &Decision{Allowed: true, Remaining: -1}
}
