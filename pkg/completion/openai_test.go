package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/talkpdf/pkg/config"
	"github.com/pario-ai/talkpdf/pkg/router"
)

func sse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, c := range chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func textChunk(s string) string {
	return fmt.Sprintf(`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":%q}}]}`, s)
}

func usageChunk(prompt, completion int) string {
	return fmt.Sprintf(`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":%d,"completion_tokens":%d,"total_tokens":%d}}`,
		prompt, completion, prompt+completion)
}

func newTestRouter(urls ...string) *router.Router {
	cfg := &config.Config{Models: config.ModelsConfig{Default: "gpt-4o"}}
	var targets []config.RouteTarget
	for i, u := range urls {
		name := fmt.Sprintf("p%d", i)
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: name, URL: u + "/v1", APIKey: "sk-test"})
		targets = append(targets, config.RouteTarget{Provider: name})
	}
	cfg.Models.Routes = []config.RouteConfig{{Model: "gpt-4o", Targets: targets}}
	return router.New(cfg)
}

func TestOpenAIStreamText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		opts, _ := body["stream_options"].(map[string]any)
		if opts["include_usage"] != true {
			http.Error(w, "usage not requested", http.StatusBadRequest)
			return
		}
		sse(w, textChunk("Hello"), textChunk(" there"), usageChunk(40, 2))
	}))
	defer srv.Close()

	s, err := NewOpenAI(newTestRouter(srv.URL), nil, 0, 0).Stream(context.Background(), Request{System: "sys", Prompt: "hi"})
	require.NoError(t, err)

	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	assert.Len(t, events, 2)
	assert.Equal(t, "Hello there", s.Text())

	usage, err := s.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, usage.PromptTokens)
	assert.Equal(t, 42, usage.TotalTokens)
}

func TestOpenAIFallback(t *testing.T) {
	var downHits atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"bad gateway","type":"server_error"}}`))
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, textChunk("ok"), usageChunk(5, 1))
	}))
	defer up.Close()

	s, err := NewOpenAI(newTestRouter(down.URL, up.URL), nil, 0, 0).Stream(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	_, err = drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "ok", s.Text())
	assert.Equal(t, int32(1), downHits.Load())
}

func TestOpenAINoFallbackOnClientError(t *testing.T) {
	var secondHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests"}}`))
	}))
	defer bad.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		sse(w, textChunk("ok"))
	}))
	defer second.Close()

	_, err := NewOpenAI(newTestRouter(bad.URL, second.URL), nil, 0, 0).Stream(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, Classify(err))
	assert.Equal(t, int32(0), secondHits.Load())
}

type echoTool struct{ calls atomic.Int32 }

func (e *echoTool) Definition() openai.FunctionDefinition {
	return openai.FunctionDefinition{Name: "echo", Description: "echo", Parameters: map[string]any{"type": "object"}}
}

func (e *echoTool) Call(_ context.Context, args json.RawMessage) (any, error) {
	e.calls.Add(1)
	return map[string]string{"echo": string(args)}, nil
}

func TestOpenAIToolRound(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"role":"tool"`) {
			sse(w,
				`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"echo","arguments":"{\"a\""}}]}}]}`,
				`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":":1}"}}]},"finish_reason":"tool_calls"}]}`,
				usageChunk(30, 8),
			)
			return
		}
		sse(w, textChunk("done"), usageChunk(50, 3))
	}))
	defer srv.Close()

	tool := &echoTool{}
	reg := NewToolRegistry(time.Second)
	reg.Register(tool)

	s, err := NewOpenAI(newTestRouter(srv.URL), reg, 0, 0).Stream(context.Background(), Request{Prompt: "hi", Tools: true})
	require.NoError(t, err)
	events, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)

	require.Len(t, events, 3)
	assert.Equal(t, EventToolCall, events[0].Type)
	assert.Equal(t, `{"a":1}`, events[0].Payload)
	assert.Equal(t, EventToolResult, events[1].Type)
	assert.JSONEq(t, `{"echo":"{\"a\":1}"}`, events[1].Payload)
	assert.Equal(t, "done", events[2].Text)

	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, int32(1), tool.calls.Load())

	usage, err := s.Usage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 80, usage.PromptTokens)
	assert.Equal(t, 91, usage.TotalTokens)
}
