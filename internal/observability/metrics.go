package observability

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/crewledger/ai-gateway/internal/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_gateway"

// Chat request results
const (
	ResultStreamed  = "streamed"
	ResultExhausted = "exhausted"
	ResultInvalid   = "invalid"
	ResultCancelled = "cancelled"
	ResultMidStream = "mid_stream"
	ResultFailed    = "failed"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
// It implements router.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	firstByte       *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	midStream       *prometheus.CounterVec
	attemptLogDrops prometheus.Counter
	rateLimitErrors prometheus.Counter
}

// NewMetrics creates and registers the gateway collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Candidate attempts by outcome.",
			},
			[]string{"candidate", "outcome"},
		),

		firstByte: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "first_byte_seconds",
				Help:      "Time from attempt start to the first reply byte of successful attempts.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"candidate"},
		),

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Chat requests by result.",
			},
			[]string{"result"},
		),

		midStream: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mid_stream_errors_total",
				Help:      "Streams that failed after the first byte was delivered.",
			},
			[]string{"candidate"},
		),

		attemptLogDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "attempt_log",
				Name:      "dropped_total",
				Help:      "Attempt log entries dropped because the writer queue was full or stopped.",
			},
		),

		rateLimitErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rate_limit",
				Name:      "errors_total",
				Help:      "Rate limiter failures that let the request through.",
			},
		),
	}

	m.registry.MustRegister(
		m.attempts,
		m.firstByte,
		m.requests,
		m.midStream,
		m.attemptLogDrops,
		m.rateLimitErrors,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return m
}

// ObserveAttempt records one attempt outcome
func (m *Metrics) ObserveAttempt(candidate string, outcome router.Outcome, elapsed time.Duration) {
	m.attempts.WithLabelValues(candidate, string(outcome)).Inc()

	switch outcome {
	case router.OutcomeSuccess:
		m.firstByte.WithLabelValues(candidate).Observe(elapsed.Seconds())
	case router.OutcomeMidStreamError:
		m.midStream.WithLabelValues(candidate).Inc()
	}
}

// ObserveRequest records the final result of one chat request
func (m *Metrics) ObserveRequest(result string) {
	m.requests.WithLabelValues(result).Inc()
}

// AttemptLogDropped counts one dropped attempt log entry
func (m *Metrics) AttemptLogDropped() {
	m.attemptLogDrops.Inc()
}

// RateLimitError counts one limiter failure
func (m *Metrics) RateLimitError() {
	m.rateLimitErrors.Inc()
}

// CacheCounters is the view of a cache the metrics need
type CacheCounters interface {
	Counters() (hits, misses uint64)
}

// RegisterDB exports the pool's connection statistics
func (m *Metrics) RegisterDB(db *sql.DB) error {
	return m.registry.Register(collectors.NewDBStatsCollector(db, "postgres"))
}

// RegisterToolCache exports hit and miss counts of the tool result cache
func (m *Metrics) RegisterToolCache(cache CacheCounters) error {
	hits := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tool_cache",
		Name:      "hits_total",
		Help:      "Tool calls answered from the result cache.",
	}, func() float64 {
		h, _ := cache.Counters()
		return float64(h)
	})
	misses := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tool_cache",
		Name:      "misses_total",
		Help:      "Tool calls that had to query the database.",
	}, func() float64 {
		_, mi := cache.Counters()
		return float64(mi)
	})

	if err := m.registry.Register(hits); err != nil {
		return err
	}
	return m.registry.Register(misses)
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
