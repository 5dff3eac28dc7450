package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all talkpdf configuration.
type Config struct {
	Listen     string           `yaml:"listen"`
	DBPath     string           `yaml:"db_path"`
	Log        LogConfig        `yaml:"log"`
	Auth       AuthConfig       `yaml:"auth"`
	Providers  []ProviderConfig `yaml:"providers"`
	Models     ModelsConfig     `yaml:"models"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Vector     VectorConfig     `yaml:"vector"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Quota      QuotaConfig      `yaml:"quota"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Tools      ToolsConfig      `yaml:"tools"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// AuthConfig maps bearer tokens to user IDs.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// ProviderConfig defines an OpenAI-compatible upstream.
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// ModelsConfig selects chat models and their fallback chains.
type ModelsConfig struct {
	Default string        `yaml:"default"`
	Title   string        `yaml:"title"`
	Routes  []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// EmbeddingConfig controls the embedding gateway and its cache.
type EmbeddingConfig struct {
	Provider   string      `yaml:"provider"`
	Model      string      `yaml:"model"`
	Dimensions int         `yaml:"dimensions"`
	Cache      CacheConfig `yaml:"cache"`
}

// CacheConfig controls the embedding cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// VectorConfig selects the vector index backend.
// Backend is "memory" (default) or "weaviate".
type VectorConfig struct {
	Backend  string         `yaml:"backend"`
	Weaviate WeaviateConfig `yaml:"weaviate"`
}

// WeaviateConfig locates a Weaviate instance.
type WeaviateConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`
	APIKey string `yaml:"api_key"`
	Class  string `yaml:"class"`
}

// RetrievalConfig bounds retrieval and prompt assembly.
type RetrievalConfig struct {
	TopK            int `yaml:"top_k"`
	HistoryLimit    int `yaml:"history_limit"`
	MaxContextChars int `yaml:"max_context_chars"`
	ChunkSize       int `yaml:"chunk_size"`
	ChunkOverlap    int `yaml:"chunk_overlap"`
}

// QuotaConfig tunes the pre-flight token estimate.
type QuotaConfig struct {
	CompletionBuffer int `yaml:"completion_buffer"`
}

// TimeoutConfig bounds each external call made during a turn.
type TimeoutConfig struct {
	Retrieval time.Duration `yaml:"retrieval"`
	Stream    time.Duration `yaml:"stream"`
	Persist   time.Duration `yaml:"persist"`
	Tool      time.Duration `yaml:"tool"`
	Title     time.Duration `yaml:"title"`
}

// ReconcileConfig sizes the background usage reconciler.
type ReconcileConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// ToolsConfig enables the model-callable tools.
type ToolsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WeatherURL string `yaml:"weather_url"`
	NewsURL    string `yaml:"news_url"`
	NewsAPIKey string `yaml:"news_api_key"`
	MaxRounds  int    `yaml:"max_rounds"`
}

// RateLimitConfig controls the per-user turn limiter.
type RateLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// WebhookConfig holds the payment webhook signing secret.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "talkpdf.db",
		Log: LogConfig{
			Level: "info",
		},
		Models: ModelsConfig{
			Default: "gpt-4o",
			Title:   "gpt-4o-mini",
		},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 512,
			Cache: CacheConfig{
				Enabled: true,
				TTL:     24 * time.Hour,
			},
		},
		Vector: VectorConfig{
			Backend: "memory",
			Weaviate: WeaviateConfig{
				Scheme: "http",
				Class:  "Chunk",
			},
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			HistoryLimit:    5,
			MaxContextChars: 12000,
			ChunkSize:       1000,
			ChunkOverlap:    200,
		},
		Quota: QuotaConfig{
			CompletionBuffer: 1000,
		},
		Timeouts: TimeoutConfig{
			Retrieval: 10 * time.Second,
			Stream:    2 * time.Minute,
			Persist:   10 * time.Second,
			Tool:      10 * time.Second,
			Title:     15 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Workers:     2,
			QueueSize:   256,
			MaxAttempts: 3,
			Backoff:     500 * time.Millisecond,
		},
		Tools: ToolsConfig{
			WeatherURL: "https://api.open-meteo.com",
			NewsURL:    "https://newsapi.org",
			MaxRounds:  3,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 20,
			Burst:     5,
		},
		Tracing: TracingConfig{
			ServiceName: "talkpdf",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment so they are visible to ${VAR} expansion in Load. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Provider returns the named provider, or the first one when name is empty.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if name == "" || p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
