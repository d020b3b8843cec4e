package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
)

var errStreamClosed = errors.New("event stream closed")

// sseSink implements ports.EventSink over a text/event-stream response.
// Writes are serialized because heartbeats come from their own goroutine.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Emit(ev entities.StreamEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	return s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data))
}

func (s *sseSink) Heartbeat() error {
	return s.write(": ping\n\n")
}

func (s *sseSink) write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if _, err := fmt.Fprint(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// close stops further writes; the ResponseWriter is invalid once the handler returns.
func (s *sseSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
