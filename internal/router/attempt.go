package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/crewledger/ai-gateway/services/providers"
)

// Outcome classifies how one attempt ended
type Outcome string

const (
	OutcomeSuccess                  Outcome = "Success"
	OutcomeTimedOutBeforeFirstByte  Outcome = "TimedOutBeforeFirstByte"
	OutcomeTimedOutDuringStreamInit Outcome = "TimedOutDuringStreamInit"
	OutcomeEmptyStream              Outcome = "EmptyStream"
	OutcomeUpstreamError            Outcome = "UpstreamError"
	OutcomeMidStreamError           Outcome = "MidStreamError"
)

// Retriable reports whether the next candidate may be tried after this outcome
func (o Outcome) Retriable() bool {
	switch o {
	case OutcomeTimedOutBeforeFirstByte, OutcomeTimedOutDuringStreamInit, OutcomeEmptyStream, OutcomeUpstreamError:
		return true
	default:
		return false
	}
}

var (
	// errDeadlineWindow is the cancellation cause set when no byte arrived in time
	errDeadlineWindow = errors.New("no reply before deadline window elapsed")

	// errEmptyStream is recorded when the upstream finished without any text
	errEmptyStream = errors.New("upstream closed the stream without content")

	errAttemptReleased = errors.New("attempt released")
)

// Attempt is one bounded trial of a single candidate
type Attempt struct {
	Candidate string
	Index     int // 1-based
	StartedAt time.Time
	Elapsed   time.Duration
	Outcome   Outcome
	Err       error
}

// Reason is the human-readable failure cause used in the dossier
func (a *Attempt) Reason() string {
	if a.Err == nil {
		return string(a.Outcome)
	}
	return fmt.Sprintf("%s: %v", a.Outcome, a.Err)
}

// DossierLine renders the attempt as one failure summary line
func (a *Attempt) DossierLine() string {
	return fmt.Sprintf("candidate %s failed after %dms: %s", a.Candidate, a.Elapsed.Milliseconds(), a.Reason())
}

type phase int

const (
	phaseDialing phase = iota
	phaseAwaitingFirstByte
)

// AttemptRunner drives one candidate from dialing to its first byte
type AttemptRunner struct {
	deadline time.Duration
}

// NewAttemptRunner creates a runner with the given first-byte deadline window
func NewAttemptRunner(deadline time.Duration) *AttemptRunner {
	return &AttemptRunner{deadline: deadline}
}

// Deadline returns the first-byte deadline window
func (r *AttemptRunner) Deadline() time.Duration {
	return r.deadline
}

type openResult struct {
	stream providers.Stream
	err    error
}

type recvResult struct {
	chunk string
	err   error
}

// Run opens req against provider and waits for the first non-empty unit.
//
// On success the returned stream yields that unit first and the rest of the
// upstream after it; the deadline no longer applies. On a fallback-eligible
// failure the stream is nil and attempt describes why. A non-nil error means
// ctx itself was cancelled and no further candidate should be tried.
func (r *AttemptRunner) Run(ctx context.Context, provider providers.Provider, req *providers.ChatRequest, index int) (*SplicedStream, *Attempt, error) {
	attempt := &Attempt{
		Candidate: req.Model,
		Index:     index,
		StartedAt: time.Now(),
	}

	actx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(r.deadline, func() { cancel(errDeadlineWindow) })

	fail := func(p phase, err error) (*SplicedStream, *Attempt, error) {
		timer.Stop()
		cause := context.Cause(actx)
		cancel(errAttemptReleased)
		attempt.Elapsed = time.Since(attempt.StartedAt)

		if ctx.Err() != nil {
			attempt.Err = context.Cause(ctx)
			return nil, attempt, attempt.Err
		}

		deadlineHit := errors.Is(cause, errDeadlineWindow) || errors.Is(err, errDeadlineWindow)
		switch {
		case errors.Is(err, errEmptyStream):
			attempt.Outcome = OutcomeEmptyStream
		case deadlineHit && p == phaseDialing:
			attempt.Outcome = OutcomeTimedOutBeforeFirstByte
			err = fmt.Errorf("%w (%s)", errDeadlineWindow, r.deadline)
		case deadlineHit:
			attempt.Outcome = OutcomeTimedOutDuringStreamInit
			err = fmt.Errorf("%w (%s)", errDeadlineWindow, r.deadline)
		default:
			attempt.Outcome = OutcomeUpstreamError
		}
		attempt.Err = err
		return nil, attempt, nil
	}

	// Dialing
	opened := make(chan openResult, 1)
	go func() {
		s, err := provider.OpenStream(actx, req)
		opened <- openResult{stream: s, err: err}
	}()

	var stream providers.Stream
	select {
	case res := <-opened:
		if res.err != nil {
			return fail(phaseDialing, res.err)
		}
		stream = res.stream
	case <-actx.Done():
		// The provider may still hand back a stream after giving up on it
		go func() {
			if res := <-opened; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
		return fail(phaseDialing, context.Cause(actx))
	}

	// AwaitingFirstByte
	for {
		got := make(chan recvResult, 1)
		go func() {
			chunk, err := stream.Recv()
			got <- recvResult{chunk: chunk, err: err}
		}()

		select {
		case res := <-got:
			if errors.Is(res.err, io.EOF) {
				_ = stream.Close()
				return fail(phaseAwaitingFirstByte, errEmptyStream)
			}
			if res.err != nil {
				_ = stream.Close()
				return fail(phaseAwaitingFirstByte, res.err)
			}
			if res.chunk == "" {
				continue
			}

			// Disarm. If the timer already fired, the deadline won the race.
			if !timer.Stop() {
				_ = stream.Close()
				return fail(phaseAwaitingFirstByte, errDeadlineWindow)
			}

			attempt.Outcome = OutcomeSuccess
			attempt.Elapsed = time.Since(attempt.StartedAt)
			return newSplicedStream(actx, cancel, req.Model, res.chunk, stream), attempt, nil

		case <-actx.Done():
			// Closing unblocks the pending Recv; its goroutine drains into the buffered channel
			_ = stream.Close()
			return fail(phaseAwaitingFirstByte, context.Cause(actx))
		}
	}
}
