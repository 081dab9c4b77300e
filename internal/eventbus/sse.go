package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// SSEWriter serializes AgentEvents onto an http.ResponseWriter using
// the text/event-stream format, flushing after every event so the
// client sees it immediately rather than buffered.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter wraps w for event-stream output. It returns an error if
// w does not support flushing, since without it nothing would ever
// reach the client until the handler returned.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("eventbus: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent encodes e as one SSE "data:" frame and flushes it.
func (s *SSEWriter) WriteEvent(e models.AgentEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// AsSink adapts this writer as an eventbus.Sink so a Drain/Emitter loop
// can write straight to the HTTP response. Write failures are
// swallowed — a client that has gone away cannot be recovered by
// returning an error to the emitter.
func (s *SSEWriter) AsSink() Sink {
	return NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		_ = s.WriteEvent(e)
	})
}
