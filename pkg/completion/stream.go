// Package completion streams chat completions as a sequence of typed events.
package completion

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/pario-ai/talkpdf/pkg/models"
)

// EventType discriminates stream events.
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
)

// Event is one incremental piece of a completion.
type Event struct {
	Type       EventType `json:"type"`
	Text       string    `json:"text,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	// Payload is the JSON arguments of a tool call or the JSON result of a tool.
	Payload string `json:"payload,omitempty"`
}

// State is a stream's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateEmitting
	StateToolCall
	StateToolResult
	StateFinished
	StateAborted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateEmitting:
		return "emitting"
	case StateToolCall:
		return "tool_call"
	case StateToolResult:
		return "tool_result"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events can be produced.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted || s == StateErrored
}

var (
	// ErrStreamNotFinished is returned by Usage when the stream ended without
	// finishing normally.
	ErrStreamNotFinished = errors.New("stream did not finish")
	// ErrStreamClosed is returned by Next after an abort or error.
	ErrStreamClosed = errors.New("stream closed")
)

// Producer is the backend behind a Stream. Next returns io.EOF once the
// completion is complete; Usage is only meaningful after that.
type Producer interface {
	Next(ctx context.Context) (Event, error)
	Usage() models.Usage
	Close() error
}

// Stream is a single-consumer, non-restartable completion. Next must be
// called from one goroutine; Abort, State and Usage are safe from any.
type Stream struct {
	ctx      context.Context
	producer Producer

	mu    sync.Mutex
	state State
	err   error
	usage models.Usage
	text  strings.Builder
	tools []toolEntry

	done chan struct{}
	once sync.Once
}

type toolEntry struct {
	callID string
	part   models.ToolPart
}

// NewStream wraps a producer whose upstream request has already been accepted.
func NewStream(ctx context.Context, p Producer) *Stream {
	return &Stream{
		ctx:      ctx,
		producer: p,
		state:    StateStarted,
		done:     make(chan struct{}),
	}
}

// Next returns the next event. It returns io.EOF when the completion
// finished, the context error when the consumer went away, and
// ErrStreamClosed once the stream was aborted or failed.
func (s *Stream) Next() (Event, error) {
	s.mu.Lock()
	switch s.state {
	case StateFinished:
		s.mu.Unlock()
		return Event{}, io.EOF
	case StateAborted, StateErrored:
		s.mu.Unlock()
		return Event{}, ErrStreamClosed
	}
	s.mu.Unlock()

	if err := s.ctx.Err(); err != nil {
		s.terminate(StateAborted, err)
		return Event{}, err
	}

	ev, err := s.producer.Next(s.ctx)
	if errors.Is(err, io.EOF) {
		s.terminate(StateFinished, nil)
		return Event{}, io.EOF
	}
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			s.terminate(StateAborted, ctxErr)
			return Event{}, ctxErr
		}
		if s.State() == StateAborted {
			return Event{}, ErrStreamClosed
		}
		s.terminate(StateErrored, err)
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return Event{}, ErrStreamClosed
	}
	switch ev.Type {
	case EventText:
		s.state = StateEmitting
		s.text.WriteString(ev.Text)
	case EventToolCall:
		s.state = StateToolCall
		s.tools = append(s.tools, toolEntry{
			callID: ev.ToolCallID,
			part:   models.ToolPart{ToolName: ev.ToolName, State: "call"},
		})
	case EventToolResult:
		s.state = StateToolResult
		for i := range s.tools {
			if s.tools[i].callID == ev.ToolCallID {
				s.tools[i].part.State = "result"
				s.tools[i].part.Output = ev.Payload
			}
		}
	}
	return ev, nil
}

// Abort stops the stream and releases the upstream connection.
func (s *Stream) Abort() {
	s.terminate(StateAborted, context.Canceled)
}

func (s *Stream) terminate(state State, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.err = err
	if state == StateFinished {
		s.usage = s.producer.Usage()
	}
	s.mu.Unlock()

	s.once.Do(func() {
		_ = s.producer.Close()
		close(s.done)
	})
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the stream reaches a terminal state.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Usage blocks until the stream ends and returns the provider-reported usage.
// It fails with ErrStreamNotFinished unless the stream finished normally.
func (s *Stream) Usage(ctx context.Context) (models.Usage, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return models.Usage{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFinished {
		return models.Usage{}, ErrStreamNotFinished
	}
	return s.usage, nil
}

// Text returns the assistant text emitted so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Parts returns the assistant message content: its text followed by any tool
// invocations.
func (s *Stream) Parts() models.Parts {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parts models.Parts
	if s.text.Len() > 0 {
		parts = append(parts, models.TextPart{Text: s.text.String()})
	}
	for _, t := range s.tools {
		parts = append(parts, t.part)
	}
	return parts
}
