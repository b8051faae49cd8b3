package router

import (
	"context"
	"fmt"
	"time"

	"github.com/crewledger/ai-gateway/services/providers"
	"go.uber.org/zap"
)

// Resolver maps a model identifier to the provider that serves it
type Resolver interface {
	GetProviderForModel(model string) (providers.Provider, error)
}

// AttemptRecorder receives best-effort diagnostics. Implementations must not block.
type AttemptRecorder interface {
	AttemptFailed(ctx context.Context, attempt *Attempt)
	Exhausted(ctx context.Context, dossier Dossier)
	MidStream(ctx context.Context, err *MidStreamError)
}

// Metrics receives per-attempt measurements
type Metrics interface {
	ObserveAttempt(candidate string, outcome Outcome, elapsed time.Duration)
}

// Dossier is the ordered list of failure summaries for one request
type Dossier []string

// ExhaustedError is returned when every candidate failed before its first byte
type ExhaustedError struct {
	Dossier  Dossier
	Attempts []*Attempt
}

// Error implements the error interface
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d candidates failed", len(e.Dossier))
}

// Gateway tries candidates strictly in order and returns the first live stream
type Gateway struct {
	candidates *CandidateList
	runner     *AttemptRunner
	resolver   Resolver
	recorder   AttemptRecorder
	metrics    Metrics
	logger     *zap.Logger
}

// Option configures a Gateway
type Option func(*Gateway)

// WithAttemptRecorder sets the diagnostic sink
func WithAttemptRecorder(r AttemptRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway over candidates with the given first-byte deadline
func NewGateway(candidates *CandidateList, deadline time.Duration, resolver Resolver, opts ...Option) *Gateway {
	g := &Gateway{
		candidates: candidates,
		runner:     NewAttemptRunner(deadline),
		resolver:   resolver,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Candidates returns the configured candidate list
func (g *Gateway) Candidates() *CandidateList {
	return g.candidates
}

// Stream sends base to each candidate in turn (base.Model is overwritten) and
// returns the first stream that produced a byte. If every candidate fails it
// returns *ExhaustedError. If ctx is cancelled it stops immediately and
// returns the cancellation cause.
func (g *Gateway) Stream(ctx context.Context, base providers.ChatRequest) (*SplicedStream, error) {
	var (
		dossier  Dossier
		attempts []*Attempt
	)

	for i := 0; i < g.candidates.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("chat request cancelled: %w", context.Cause(ctx))
		}

		req := base
		req.Model = g.candidates.At(i)

		stream, attempt, err := g.try(ctx, &req, i+1)
		if err != nil {
			g.logger.Info("chat request cancelled by caller",
				zap.String("candidate", req.Model),
				zap.Int("attempt", i+1),
				zap.Error(err))
			return nil, fmt.Errorf("chat request cancelled: %w", err)
		}

		g.observe(attempt)

		if stream != nil {
			g.logger.Debug("candidate succeeded",
				zap.String("candidate", attempt.Candidate),
				zap.Int("attempt", attempt.Index),
				zap.Int64("first_byte_ms", attempt.Elapsed.Milliseconds()))
			stream.OnError(func(mse *MidStreamError) {
				g.observeMidStream(ctx, mse)
			})
			return stream, nil
		}

		attempts = append(attempts, attempt)
		dossier = append(dossier, attempt.DossierLine())

		g.logger.Debug("candidate failed",
			zap.String("candidate", attempt.Candidate),
			zap.Int("attempt", attempt.Index),
			zap.String("outcome", string(attempt.Outcome)),
			zap.Duration("elapsed", attempt.Elapsed),
			zap.Error(attempt.Err))

		if g.recorder != nil {
			g.recorder.AttemptFailed(ctx, attempt)
		}
	}

	if g.recorder != nil {
		g.recorder.Exhausted(ctx, dossier)
	}

	return nil, &ExhaustedError{Dossier: dossier, Attempts: attempts}
}

// try resolves the candidate's provider and runs one attempt
func (g *Gateway) try(ctx context.Context, req *providers.ChatRequest, index int) (*SplicedStream, *Attempt, error) {
	provider, err := g.resolver.GetProviderForModel(req.Model)
	if err != nil {
		return nil, &Attempt{
			Candidate: req.Model,
			Index:     index,
			StartedAt: time.Now(),
			Outcome:   OutcomeUpstreamError,
			Err:       fmt.Errorf("no provider: %w", err),
		}, nil
	}

	return g.runner.Run(ctx, provider, req, index)
}

func (g *Gateway) observe(attempt *Attempt) {
	if g.metrics != nil {
		g.metrics.ObserveAttempt(attempt.Candidate, attempt.Outcome, attempt.Elapsed)
	}
}

func (g *Gateway) observeMidStream(ctx context.Context, mse *MidStreamError) {
	g.logger.Debug("stream failed after first byte",
		zap.String("candidate", mse.Candidate),
		zap.Error(mse.Err))

	if g.metrics != nil {
		g.metrics.ObserveAttempt(mse.Candidate, OutcomeMidStreamError, 0)
	}
	if g.recorder != nil {
		g.recorder.MidStream(ctx, mse)
	}
}
