package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/pario-ai/talkpdf/pkg/completion"
	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/orchestrator"
)

// SSE event names beyond the completion event types.
const (
	eventError  = "error"
	eventFinish = "finish"
)

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// sseSink writes turn output as server-sent events.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) write(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Event(ev completion.Event) error {
	return s.write(string(ev.Type), ev)
}

func (s *sseSink) Finish(usage models.Usage) error {
	return s.write(eventFinish, gin.H{"usage": usage})
}

func (s *sseSink) Error(te *orchestrator.TurnError) error {
	return s.write(eventError, gin.H{"error": string(te.Kind), "message": te.Message})
}
