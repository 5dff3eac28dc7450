package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeatherTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		assert.Equal(t, "52.52", r.URL.Query().Get("latitude"))
		assert.Equal(t, "13.41", r.URL.Query().Get("longitude"))
		_, _ = w.Write([]byte(`{"current":{"temperature_2m":21.5},"current_units":{"temperature_2m":"°C"}}`))
	}))
	defer srv.Close()

	reg := NewToolRegistry(time.Second)
	reg.Register(&WeatherTool{BaseURL: srv.URL})
	out := reg.Execute(context.Background(), "get_weather", `{"location":"Berlin","latitude":52.52,"longitude":13.41}`)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Berlin", got["location"])
	assert.Equal(t, 21.5, got["current"].(map[string]any)["temperature_2m"])
}

func TestWeatherToolMissingCoordinates(t *testing.T) {
	reg := NewToolRegistry(0)
	reg.Register(&WeatherTool{BaseURL: "http://unused"})
	out := reg.Execute(context.Background(), "get_weather", `{"location":"Berlin"}`)
	assert.JSONEq(t, `{"error":"latitude and longitude are required"}`, out)
}

func TestNewsTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/everything", r.URL.Path)
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte(`{"status":"ok","articles":[{"title":"Go 2","url":"https://x","publishedAt":"2026-01-01","source":{"name":"Blog"}}]}`))
	}))
	defer srv.Close()

	reg := NewToolRegistry(time.Second)
	reg.Register(&NewsTool{BaseURL: srv.URL, APIKey: "key"})
	out := reg.Execute(context.Background(), "get_news", `{"query":"golang"}`)

	var got []Article
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Blog", got[0].Source)
	assert.Equal(t, "Go 2", got[0].Title)
}

func TestNewsToolUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	reg := NewToolRegistry(time.Second)
	reg.Register(&NewsTool{BaseURL: srv.URL})
	out := reg.Execute(context.Background(), "get_news", `{"query":"x"}`)
	assert.JSONEq(t, `{"error":"upstream returned 401"}`, out)
}

func TestRegistryUnknownTool(t *testing.T) {
	out := NewToolRegistry(0).Execute(context.Background(), "nope", "")
	assert.JSONEq(t, `{"error":"unknown tool: nope"}`, out)
}

func TestRegistryDeclarations(t *testing.T) {
	reg := NewToolRegistry(0)
	reg.Register(&WeatherTool{})
	reg.Register(&NewsTool{})
	reg.Register(&WeatherTool{})

	tools := reg.OpenAITools()
	require.Len(t, tools, 2)
	assert.Equal(t, openai.ToolTypeFunction, tools[0].Type)
	assert.Equal(t, "get_weather", tools[0].Function.Name)
	assert.Equal(t, "get_news", tools[1].Function.Name)

	var nilReg *ToolRegistry
	assert.Equal(t, 0, nilReg.Len())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", errors.Join(errors.New("x"), context.DeadlineExceeded), KindTimeout},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429, Message: "slow"}, KindRateLimited},
		{"quota", &openai.APIError{HTTPStatusCode: 429, Type: "insufficient_quota"}, KindQuotaExceeded},
		{"gateway", &openai.APIError{HTTPStatusCode: 502}, KindServiceUnavailable},
		{"gateway timeout", &openai.RequestError{HTTPStatusCode: 504, Err: errors.New("x")}, KindTimeout},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, KindInternal},
		{"refused", errors.New("dial tcp: connection refused"), KindServiceUnavailable},
		{"other", errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
	assert.Equal(t, Kind(""), Classify(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&openai.APIError{HTTPStatusCode: 503}))
	assert.False(t, Retryable(&openai.APIError{HTTPStatusCode: 429}))
	assert.False(t, Retryable(context.DeadlineExceeded))
	assert.NotEmpty(t, Message(KindTimeout))
}
