package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor runs periodic cleanup jobs for the limiter backends and caches
type Janitor struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration
}

// NewJanitor creates a janitor; each job run is bounded by timeout
func NewJanitor(logger *zap.Logger, timeout time.Duration) *Janitor {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Janitor{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		timeout: timeout,
	}
}

// Schedule registers job under a cron spec such as "@every 10m"
func (j *Janitor) Schedule(spec, name string, job func(ctx context.Context) error) error {
	_, err := j.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()

		if err := job(ctx); err != nil {
			j.logger.Error("scheduled cleanup failed",
				zap.String("job", name),
				zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	return nil
}

// ScheduleMemorySweep drops in-memory buckets idle for longer than idle
func (j *Janitor) ScheduleMemorySweep(spec string, limiter *MemoryLimiter, idle time.Duration) error {
	return j.Schedule(spec, "memory_sweep", func(context.Context) error {
		limiter.Sweep(idle)
		return nil
	})
}

// SchedulePostgresCleanup deletes events older than retention
func (j *Janitor) SchedulePostgresCleanup(spec string, service *RateLimitService, retention time.Duration) error {
	return j.Schedule(spec, "postgres_cleanup", func(ctx context.Context) error {
		_, err := service.CleanupOldRequests(ctx, retention)
		return err
	})
}

// Start runs the scheduler in its own goroutine
func (j *Janitor) Start() {
	j.logger.Info("started janitor", zap.Int("jobs", len(j.cron.Entries())))
	j.cron.Start()
}

// Stop halts the scheduler and waits for a running job, bounded by ctx
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		j.logger.Warn("janitor did not stop in time")
	}
}
