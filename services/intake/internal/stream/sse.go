package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"balungpisah/services/intake/internal/events"
)

const DefaultKeepalive = 15 * time.Second

var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEWriter writes named events to an HTTP response and flushes after each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers. The status line is not written
// until the first event or keepalive.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

func (s *SSEWriter) WriteEvent(evt events.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *SSEWriter) Keepalive() error {
	if _, err := s.w.Write([]byte(": keepalive\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Pump forwards events until a terminal event is written, the channel closes
// or ctx ends. A comment line is sent whenever the stream has been idle for
// the keepalive interval.
func Pump(ctx context.Context, w *SSEWriter, ch <-chan events.Event, keepalive time.Duration) error {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Keepalive(); err != nil {
				return err
			}
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := w.WriteEvent(evt); err != nil {
				return err
			}
			if evt.Terminal() {
				return nil
			}
			ticker.Reset(keepalive)
		}
	}
}
