package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/router"
)

// DefaultMaxToolRounds bounds how many times the model may call tools in one
// completion.
const DefaultMaxToolRounds = 3

// Request describes one completion.
type Request struct {
	System string
	Prompt string
	// Model is a model name or route alias; empty means the default.
	Model string
	// Tools offers the registered tools to the model.
	Tools bool
}

// Streamer opens completion streams.
type Streamer interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// OpenAIStreamer streams chat completions from OpenAI-compatible providers,
// falling through the router's chain when a provider is unreachable.
type OpenAIStreamer struct {
	router        *router.Router
	tools         *ToolRegistry
	maxToolRounds int
	maxTokens     int
}

// NewOpenAI returns a streamer over r. tools may be nil.
func NewOpenAI(r *router.Router, tools *ToolRegistry, maxToolRounds, maxTokens int) *OpenAIStreamer {
	if maxToolRounds <= 0 {
		maxToolRounds = DefaultMaxToolRounds
	}
	return &OpenAIStreamer{router: r, tools: tools, maxToolRounds: maxToolRounds, maxTokens: maxTokens}
}

// Stream opens the completion. It returns once a provider accepted the
// request; the stream must then be drained or aborted.
func (s *OpenAIStreamer) Stream(ctx context.Context, req Request) (*Stream, error) {
	routes, err := s.router.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, route := range routes {
		creq := s.buildRequest(route.Model, req)
		upstream, err := route.Client.CreateChatCompletionStream(ctx, creq)
		if err != nil {
			lastErr = err
			if Retryable(err) {
				log.Warn().Err(err).Str("provider", route.Provider.Name).Str("model", route.Model).Msg("upstream failed, trying next")
				continue
			}
			return nil, err
		}
		log.Debug().Str("provider", route.Provider.Name).Str("model", route.Model).Bool("tools", len(creq.Tools) > 0).Msg("completion stream opened")
		p := &openAIProducer{
			client:    route.Client,
			req:       creq,
			stream:    upstream,
			tools:     s.tools,
			maxRounds: s.maxToolRounds,
			calls:     make(map[int]*openai.ToolCall),
		}
		return NewStream(ctx, p), nil
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

func (s *OpenAIStreamer) buildRequest(model string, req Request) openai.ChatCompletionRequest {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if s.maxTokens > 0 {
		creq.MaxTokens = s.maxTokens
	}
	if req.Tools && s.tools.Len() > 0 {
		creq.Tools = s.tools.OpenAITools()
	}
	return creq
}

// openAIProducer turns go-openai stream chunks into events and runs tool
// rounds by reopening the stream with the tool results appended.
type openAIProducer struct {
	client *openai.Client
	req    openai.ChatCompletionRequest

	// mu guards stream, which Close may release from another goroutine.
	mu     sync.Mutex
	stream *openai.ChatCompletionStream
	closed bool

	tools     *ToolRegistry
	maxRounds int
	rounds    int

	pending []Event
	text    strings.Builder
	calls   map[int]*openai.ToolCall
	usage   models.Usage
}

func (p *openAIProducer) Next(ctx context.Context) (Event, error) {
	for {
		if len(p.pending) > 0 {
			ev := p.pending[0]
			p.pending = p.pending[1:]
			return ev, nil
		}
		stream := p.current()
		if stream == nil {
			return Event{}, io.EOF
		}

		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			p.release()
			if len(p.calls) == 0 {
				return Event{}, io.EOF
			}
			if err := p.runTools(ctx); err != nil {
				return Event{}, err
			}
			continue
		}
		if err != nil {
			return Event{}, err
		}

		if chunk.Usage != nil {
			p.usage.Add(models.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			})
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				p.text.WriteString(choice.Delta.Content)
				p.pending = append(p.pending, Event{Type: EventText, Text: choice.Delta.Content})
			}
			for i, tc := range choice.Delta.ToolCalls {
				p.accumulate(i, tc)
			}
		}
	}
}

// accumulate merges a streamed tool call fragment. Fragments of the same call
// share an index; the id and name arrive only on the first one.
func (p *openAIProducer) accumulate(pos int, tc openai.ToolCall) {
	idx := pos
	if tc.Index != nil {
		idx = *tc.Index
	}
	call, ok := p.calls[idx]
	if !ok {
		i := idx
		call = &openai.ToolCall{Index: &i, Type: openai.ToolTypeFunction}
		p.calls[idx] = call
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Function.Name = tc.Function.Name
	}
	call.Function.Arguments += tc.Function.Arguments
}

func (p *openAIProducer) runTools(ctx context.Context) error {
	p.rounds++
	if p.rounds > p.maxRounds || p.tools.Len() == 0 {
		log.Warn().Int("rounds", p.rounds).Msg("tool call limit reached, ending completion")
		p.calls = make(map[int]*openai.ToolCall)
		return nil
	}

	idxs := make([]int, 0, len(p.calls))
	for i := range p.calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	calls := make([]openai.ToolCall, 0, len(idxs))
	for n, i := range idxs {
		c := *p.calls[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", p.rounds, n)
		}
		calls = append(calls, c)
	}

	p.req.Messages = append(p.req.Messages, openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   p.text.String(),
		ToolCalls: calls,
	})
	for _, c := range calls {
		p.pending = append(p.pending, Event{
			Type:       EventToolCall,
			ToolCallID: c.ID,
			ToolName:   c.Function.Name,
			Payload:    c.Function.Arguments,
		})
		result := p.tools.Execute(ctx, c.Function.Name, c.Function.Arguments)
		p.pending = append(p.pending, Event{
			Type:       EventToolResult,
			ToolCallID: c.ID,
			ToolName:   c.Function.Name,
			Payload:    result,
		})
		p.req.Messages = append(p.req.Messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    result,
			Name:       c.Function.Name,
			ToolCallID: c.ID,
		})
	}
	p.calls = make(map[int]*openai.ToolCall)
	p.text.Reset()

	stream, err := p.client.CreateChatCompletionStream(ctx, p.req)
	if err != nil {
		return fmt.Errorf("resuming after tool call: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = stream.Close()
		return ErrStreamClosed
	}
	p.stream = stream
	return nil
}

func (p *openAIProducer) current() *openai.ChatCompletionStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

func (p *openAIProducer) Usage() models.Usage { return p.usage }

func (p *openAIProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.release()
}

func (p *openAIProducer) release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	return err
}
