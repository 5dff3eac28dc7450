package router

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/pario-ai/talkpdf/pkg/config"
)

// ErrNoProviders is returned when no upstream is configured.
var ErrNoProviders = errors.New("no providers configured")

// Route is one provider and model to try, with a client for that provider.
type Route struct {
	Provider config.ProviderConfig
	Model    string
	Client   *openai.Client
}

// Router resolves requested model names to ordered fallback chains.
type Router struct {
	providers    []config.ProviderConfig
	byName       map[string]config.ProviderConfig
	routes       []config.RouteConfig
	defaultModel string

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	byName := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		byName[p.Name] = p
	}
	return &Router{
		providers:    cfg.Providers,
		byName:       byName,
		routes:       cfg.Models.Routes,
		defaultModel: cfg.Models.Default,
		clients:      make(map[string]*openai.Client),
	}
}

// Resolve returns an ordered list of routes for the requested model. An empty
// model means the configured default. If the model matches a configured
// route, its targets are returned; otherwise the first provider is used with
// the model name unchanged.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}
	if requestedModel == "" {
		requestedModel = r.defaultModel
	}

	for _, route := range r.routes {
		if route.Model != requestedModel {
			continue
		}
		var routes []Route
		for _, target := range route.Targets {
			provider, ok := r.byName[target.Provider]
			if !ok {
				continue
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			routes = append(routes, Route{Provider: provider, Model: model, Client: r.Client(provider)})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	p := r.providers[0]
	return []Route{{Provider: p, Model: requestedModel, Client: r.Client(p)}}, nil
}

// Client returns the shared OpenAI-compatible client for a provider.
func (r *Router) Client(p config.ProviderConfig) *openai.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[p.Name]; ok {
		return c
	}
	c := NewClient(p)
	r.clients[p.Name] = c
	return c
}

// NewClient builds an OpenAI-compatible client. An empty URL means the
// public OpenAI endpoint.
func NewClient(p config.ProviderConfig) *openai.Client {
	cfg := openai.DefaultConfig(p.APIKey)
	if p.URL != "" {
		cfg.BaseURL = p.URL
	}
	return openai.NewClientWithConfig(cfg)
}
