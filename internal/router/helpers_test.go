package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewledger/ai-gateway/services/providers"
)

var errBoom = errors.New("boom")

// fakeStream replays chunks, optionally waiting before the first one and
// between later ones, then ends with err (io.EOF when nil). hang makes it
// block after the chunks until closed.
type fakeStream struct {
	chunks     []string
	firstDelay time.Duration
	gap        time.Duration
	err        error
	hang       bool

	pos       int
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeStream(chunks ...string) *fakeStream {
	return &fakeStream{chunks: chunks, closed: make(chan struct{})}
}

func (s *fakeStream) wait(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-s.closed:
		return errors.New("stream closed")
	}
}

func (s *fakeStream) Recv() (string, error) {
	delay := s.gap
	if s.pos == 0 {
		delay = s.firstDelay
	}
	if s.pos < len(s.chunks) {
		if err := s.wait(delay); err != nil {
			return "", err
		}
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.hang {
		<-s.closed
		return "", errors.New("stream closed")
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeProvider hands out a prepared stream or error. openDelay simulates a slow
// connection; ignoreCtx keeps it blocked until release is closed.
type fakeProvider struct {
	name      string
	stream    *fakeStream
	openErr   error
	openDelay time.Duration
	ignoreCtx bool
	release   chan struct{}

	calls atomic.Int32
	log   *callLog
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) OpenStream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	p.calls.Add(1)
	if p.log != nil {
		p.log.add(req.Model)
	}

	if p.ignoreCtx {
		<-p.release
	} else if p.openDelay > 0 {
		select {
		case <-time.After(p.openDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if p.openErr != nil {
		return nil, p.openErr
	}
	if p.stream == nil {
		return newFakeStream(), nil
	}
	return p.stream, nil
}

func (p *fakeProvider) ValidateModel(model string) error { return nil }

func (p *fakeProvider) ListModels() []string { return []string{p.name} }

type callLog struct {
	mu     sync.Mutex
	models []string
}

func (l *callLog) add(model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.models = append(l.models, model)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.models...)
}

// fakeResolver serves one fake provider per model name
type fakeResolver map[string]*fakeProvider

func (r fakeResolver) GetProviderForModel(model string) (providers.Provider, error) {
	p, ok := r[model]
	if !ok {
		return nil, fmt.Errorf("model %s: %w", model, providers.ErrModelNotSupported)
	}
	return p, nil
}

type recorder struct {
	mu        sync.Mutex
	failed    []*Attempt
	exhausted []Dossier
	midStream []*MidStreamError
}

func (r *recorder) AttemptFailed(ctx context.Context, attempt *Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, attempt)
}

func (r *recorder) Exhausted(ctx context.Context, dossier Dossier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted = append(r.exhausted, dossier)
}

func (r *recorder) MidStream(ctx context.Context, err *MidStreamError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.midStream = append(r.midStream, err)
}

type metricsSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (m *metricsSink) ObserveAttempt(candidate string, outcome Outcome, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

// drain reads the stream to its terminal error
func drain(s *SplicedStream) (string, error) {
	var out string
	for {
		chunk, err := s.Recv()
		if err != nil {
			return out, err
		}
		out += chunk
	}
}
