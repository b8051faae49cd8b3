package utils

import (
	"errors"
	"io"
	"net/http"
	"time"
)

// StreamWriter writes a chunked text/plain body, flushing after every write
type StreamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

// NewStreamWriter wraps w for streaming. Nothing is sent until the first Write.
func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	return &StreamWriter{w: w, rc: http.NewResponseController(w)}
}

// Started reports whether the status line has been sent
func (s *StreamWriter) Started() bool {
	return s.started
}

func (s *StreamWriter) start() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	// Disable proxy buffering (nginx)
	h.Set("X-Accel-Buffering", "no")

	// A long reply must not be cut by the server write timeout.
	// Writers that do not support deadlines are fine as they are.
	_ = s.rc.SetWriteDeadline(time.Time{})

	s.w.WriteHeader(http.StatusOK)
}

// WriteString sends one chunk and flushes it to the client
func (s *StreamWriter) WriteString(chunk string) error {
	s.start()
	if _, err := io.WriteString(s.w, chunk); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
