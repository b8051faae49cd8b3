package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/crewledger/ai-gateway/services/providers"
)

var errStreamClosed = errors.New("spliced stream closed")

// MidStreamError is the terminal error of a stream that failed after its
// first unit was already delivered. It never triggers a fallback.
type MidStreamError struct {
	Candidate string
	Err       error
}

// Error implements the error interface
func (e *MidStreamError) Error() string {
	return fmt.Sprintf("candidate %s failed mid-stream: %v", e.Candidate, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *MidStreamError) Unwrap() error {
	return e.Err
}

// SplicedStream yields a buffered head unit and then every unit of the live tail
type SplicedStream struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	stop      func() bool
	candidate string
	head      string
	headSent  bool
	tail      providers.Stream
	onError   func(*MidStreamError)
	err       error
	closeOnce sync.Once
	closeErr  error
}

// Splice joins an already consumed head unit with the remainder of its source
func Splice(candidate, head string, tail providers.Stream) *SplicedStream {
	ctx, cancel := context.WithCancelCause(context.Background())
	return newSplicedStream(ctx, cancel, candidate, head, tail)
}

func newSplicedStream(ctx context.Context, cancel context.CancelCauseFunc, candidate, head string, tail providers.Stream) *SplicedStream {
	s := &SplicedStream{
		ctx:       ctx,
		cancel:    cancel,
		candidate: candidate,
		head:      head,
		tail:      tail,
	}
	// A blocked tail read must end when the caller goes away
	s.stop = context.AfterFunc(ctx, func() { _ = tail.Close() })
	return s
}

// Candidate returns the model that produced this stream
func (s *SplicedStream) Candidate() string {
	return s.candidate
}

// OnError registers a hook called once if the tail fails mid-stream
func (s *SplicedStream) OnError(fn func(*MidStreamError)) {
	s.onError = fn
}

// Recv returns the head first, then tail units in order. io.EOF marks a
// normal end; a *MidStreamError marks an upstream failure. Once Recv has
// returned an error it keeps returning it.
func (s *SplicedStream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	if !s.headSent {
		s.headSent = true
		return s.head, nil
	}

	chunk, err := s.tail.Recv()
	if err == nil {
		return chunk, nil
	}

	if errors.Is(err, io.EOF) {
		s.err = io.EOF
		return "", s.err
	}

	// Our own cancellation (caller went away or Close) is not an upstream failure
	if s.ctx.Err() != nil {
		s.err = context.Cause(s.ctx)
		return "", s.err
	}

	mse := &MidStreamError{Candidate: s.candidate, Err: err}
	s.err = mse
	if s.onError != nil {
		s.onError(mse)
	}
	return "", mse
}

// Close releases the attempt context and the upstream stream
func (s *SplicedStream) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.cancel(errStreamClosed)
		s.closeErr = s.tail.Close()
	})
	return s.closeErr
}

// Reader adapts the stream to an io.Reader of UTF-8 bytes
func (s *SplicedStream) Reader() io.Reader {
	return &spliceReader{s: s}
}

type spliceReader struct {
	s   *SplicedStream
	buf []byte
}

func (r *spliceReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, err := r.s.Recv()
		if err != nil {
			return 0, err
		}
		r.buf = []byte(chunk)
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
