package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// Tool is a function the model may call mid-completion.
type Tool interface {
	Definition() openai.FunctionDefinition
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// ToolRegistry holds the tools offered to the model.
type ToolRegistry struct {
	timeout time.Duration

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewToolRegistry returns an empty registry. Each call is bounded by timeout
// when it is positive.
func NewToolRegistry(timeout time.Duration) *ToolRegistry {
	return &ToolRegistry{timeout: timeout, tools: make(map[string]Tool)}
}

// Register adds t, replacing any tool with the same name.
func (r *ToolRegistry) Register(t Tool) {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// OpenAITools returns the tool declarations in registration order.
func (r *ToolRegistry) OpenAITools() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		def := r.tools[name].Definition()
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: &def})
	}
	return out
}

// Execute runs the named tool and returns its JSON result. Failures are
// reported to the model as {"error": "..."} rather than ending the turn.
func (r *ToolRegistry) Execute(ctx context.Context, name, args string) string {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return errorPayload(fmt.Errorf("unknown tool: %s", name))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if args == "" {
		args = "{}"
	}

	start := time.Now()
	result, err := t.Call(ctx, json.RawMessage(args))
	if err != nil {
		log.Warn().Err(err).Str("tool", name).Dur("elapsed", time.Since(start)).Msg("tool call failed")
		return errorPayload(err)
	}
	b, err := json.Marshal(result)
	if err != nil {
		return errorPayload(err)
	}
	log.Debug().Str("tool", name).Dur("elapsed", time.Since(start)).Msg("tool call")
	return string(b)
}

func errorPayload(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

var errMissingLocation = errors.New("latitude and longitude are required")

// WeatherTool reports current conditions from an Open-Meteo compatible API.
type WeatherTool struct {
	BaseURL string
	Client  *http.Client
}

type weatherArgs struct {
	Location  string   `json:"location"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (w *WeatherTool) Definition() openai.FunctionDefinition {
	return openai.FunctionDefinition{
		Name:        "get_weather",
		Description: "Get the current weather for a location given its coordinates.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location":  map[string]any{"type": "string", "description": "Human readable place name"},
				"latitude":  map[string]any{"type": "number", "description": "Latitude in degrees"},
				"longitude": map[string]any{"type": "number", "description": "Longitude in degrees"},
			},
			"required": []string{"latitude", "longitude"},
		},
	}
}

func (w *WeatherTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args weatherArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Latitude == nil || args.Longitude == nil {
		return nil, errMissingLocation
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(*args.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(*args.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m,relative_humidity_2m,wind_speed_10m,weather_code")

	var body struct {
		Current      map[string]any `json:"current"`
		CurrentUnits map[string]any `json:"current_units"`
	}
	if err := getJSON(ctx, w.Client, w.BaseURL+"/v1/forecast?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}
	return map[string]any{
		"location": args.Location,
		"current":  body.Current,
		"units":    body.CurrentUnits,
	}, nil
}

// NewsTool searches recent articles on a NewsAPI compatible endpoint.
type NewsTool struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

type newsArgs struct {
	Query string `json:"query"`
}

// Article is a trimmed news search result.
type Article struct {
	Title       string `json:"title"`
	Source      string `json:"source"`
	URL         string `json:"url"`
	PublishedAt string `json:"publishedAt"`
	Description string `json:"description,omitempty"`
}

func (n *NewsTool) Definition() openai.FunctionDefinition {
	return openai.FunctionDefinition{
		Name:        "get_news",
		Description: "Search recent news articles matching a query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search keywords"},
			},
			"required": []string{"query"},
		},
	}
}

func (n *NewsTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	var args newsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Query == "" {
		return nil, errors.New("query is required")
	}

	q := url.Values{}
	q.Set("q", args.Query)
	q.Set("pageSize", "5")
	q.Set("sortBy", "publishedAt")

	var body struct {
		Articles []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			URL         string `json:"url"`
			PublishedAt string `json:"publishedAt"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	headers := map[string]string{"X-Api-Key": n.APIKey}
	if err := getJSON(ctx, n.Client, n.BaseURL+"/v2/everything?"+q.Encode(), headers, &body); err != nil {
		return nil, err
	}

	out := make([]Article, 0, len(body.Articles))
	for _, a := range body.Articles {
		out = append(out, Article{
			Title:       a.Title,
			Source:      a.Source.Name,
			URL:         a.URL,
			PublishedAt: a.PublishedAt,
			Description: a.Description,
		})
	}
	return out, nil
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string, v any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
