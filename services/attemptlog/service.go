// Package attemptlog records chat gateway failures to the console and to an
// append-only JSON lines file. Recording never blocks or fails the caller.
package attemptlog

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewledger/ai-gateway/internal/router"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Kind identifies what an entry describes
type Kind string

const (
	KindAttemptFailed Kind = "attempt_failed"
	KindExhausted     Kind = "exhausted"
	KindMidStream     Kind = "mid_stream"
)

// Entry is one line of the diagnostic file
type Entry struct {
	ID        uuid.UUID
	Kind      Kind
	Time      time.Time
	RequestID string
	Candidate string
	Index     int
	Outcome   string
	ElapsedMs int64
	Reason    string
	Dossier   []string
}

func (e *Entry) fields() []zap.Field {
	fields := []zap.Field{
		zap.String("entry_id", e.ID.String()),
		zap.String("kind", string(e.Kind)),
		zap.Time("at", e.Time),
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if e.Candidate != "" {
		fields = append(fields, zap.String("candidate", e.Candidate))
	}
	if e.Index > 0 {
		fields = append(fields, zap.Int("attempt", e.Index))
	}
	if e.Outcome != "" {
		fields = append(fields, zap.String("outcome", e.Outcome))
	}
	if e.Kind == KindAttemptFailed {
		fields = append(fields, zap.Int64("elapsed_ms", e.ElapsedMs))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Dossier != nil {
		fields = append(fields, zap.Strings("dossier", e.Dossier))
	}
	return fields
}

// Config holds configuration for the attempt log
type Config struct {
	Path       string // Diagnostic file; empty disables the file sink
	BufferSize int    // Entries queued for the file writer
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Path:       "logs/chat-attempts.log",
		BufferSize: 1024,
	}
}

// Service writes attempt diagnostics. It implements router.AttemptRecorder.
type Service struct {
	logger  *zap.Logger
	file    *zap.Logger
	closer  io.Closer
	entries chan *Entry
	onDrop  func()
	dropped atomic.Int64
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
}

// Option configures a Service
type Option func(*Service)

// WithDropHook sets a callback run each time an entry is dropped
func WithDropHook(fn func()) Option {
	return func(s *Service) { s.onDrop = fn }
}

// NewService creates the attempt log. A file that cannot be opened disables
// the file sink and is reported once on the console.
func NewService(logger *zap.Logger, config Config, opts ...Option) *Service {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	s := &Service{
		logger:  logger.Named("attemptlog"),
		file:    zap.NewNop(),
		entries: make(chan *Entry, config.BufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	if config.Path != "" {
		file, closer, err := openFileSink(config.Path)
		if err != nil {
			s.logger.Warn("attempt log file unavailable, console only",
				zap.String("path", config.Path),
				zap.Error(err))
		} else {
			s.file = file
			s.closer = closer
		}
	}

	return s
}

// openFileSink builds a JSON logger appending to path. Write errors are discarded.
func openFileSink(path string) (*zap.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(f), zapcore.DebugLevel)
	return zap.New(core, zap.ErrorOutput(zapcore.AddSync(io.Discard))), f, nil
}

// Start starts the background file writer
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("attempt log already started")
	}
	if s.stopped {
		return fmt.Errorf("attempt log already stopped")
	}

	s.wg.Add(1)
	go s.writer()

	s.started = true
	s.logger.Debug("started attempt log", zap.Int("buffer_size", cap(s.entries)))
	return nil
}

// Stop drains queued entries and closes the file. Entries recorded afterwards
// still reach the console.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	close(s.entries)
	s.mu.Unlock()

	if !started {
		return s.closeFile()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return s.closeFile()
	case <-time.After(timeout):
		return fmt.Errorf("attempt log stop timeout after %v", timeout)
	}
}

func (s *Service) closeFile() error {
	_ = s.file.Sync()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Dropped returns how many entries never reached the file
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

// AttemptFailed records one failed candidate
func (s *Service) AttemptFailed(ctx context.Context, attempt *router.Attempt) {
	entry := s.newEntry(ctx, KindAttemptFailed)
	entry.Candidate = attempt.Candidate
	entry.Index = attempt.Index
	entry.Outcome = string(attempt.Outcome)
	entry.ElapsedMs = attempt.Elapsed.Milliseconds()
	entry.Reason = attempt.Reason()

	s.logger.Warn("chat candidate failed", entry.fields()...)
	s.enqueue(entry)
}

// Exhausted records the full dossier of a request where every candidate failed
func (s *Service) Exhausted(ctx context.Context, dossier router.Dossier) {
	entry := s.newEntry(ctx, KindExhausted)
	entry.Dossier = append([]string{}, dossier...)

	s.logger.Error("all chat candidates failed", entry.fields()...)
	s.enqueue(entry)
}

// MidStream records a stream that broke after output was delivered
func (s *Service) MidStream(ctx context.Context, err *router.MidStreamError) {
	entry := s.newEntry(ctx, KindMidStream)
	entry.Candidate = err.Candidate
	entry.Outcome = string(router.OutcomeMidStreamError)
	entry.Reason = err.Err.Error()

	s.logger.Error("chat stream failed mid-flight", entry.fields()...)
	s.enqueue(entry)
}

func (s *Service) newEntry(ctx context.Context, kind Kind) *Entry {
	return &Entry{
		ID:        uuid.New(),
		Kind:      kind,
		Time:      time.Now().UTC(),
		RequestID: middleware.GetReqID(ctx),
	}
}

// enqueue hands the entry to the writer without blocking
func (s *Service) enqueue(entry *Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		s.drop()
		return
	}

	select {
	case s.entries <- entry:
	default:
		s.drop()
	}
}

func (s *Service) drop() {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
}

// writer is the only goroutine touching the file
func (s *Service) writer() {
	defer s.wg.Done()

	for entry := range s.entries {
		s.write(entry)
	}
}

func (s *Service) write(entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("attempt log write panicked", zap.Any("panic", r))
		}
	}()

	s.file.Info(string(entry.Kind), entry.fields()...)
}
