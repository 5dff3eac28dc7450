package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 512, cfg.Embedding.Dimensions)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, "memory", cfg.Vector.Backend)
	assert.Equal(t, 3, cfg.Reconcile.MaxAttempts)
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	content := `
listen: ":9090"
db_path: "test.db"
providers:
  - name: openai
    url: https://api.openai.com/v1
    api_key: ${TEST_API_KEY}
auth:
  tokens:
    tok-alice: alice
vector:
  backend: weaviate
  weaviate:
    host: localhost:8081
retrieval:
  top_k: 8
timeouts:
  stream: 45s
embedding:
  cache:
    ttl: 30m
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "sk-test-123", cfg.Providers[0].APIKey, "env var not expanded")
	assert.Equal(t, "alice", cfg.Auth.Tokens["tok-alice"])
	assert.Equal(t, "weaviate", cfg.Vector.Backend)
	assert.Equal(t, "localhost:8081", cfg.Vector.Weaviate.Host)
	assert.Equal(t, "Chunk", cfg.Vector.Weaviate.Class, "unset fields keep defaults")
	assert.Equal(t, 8, cfg.Retrieval.TopK)
	assert.Equal(t, 5, cfg.Retrieval.HistoryLimit)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Stream)
	assert.Equal(t, 30*time.Minute, cfg.Embedding.Cache.TTL)
	assert.True(t, cfg.Embedding.Cache.Enabled)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TALKPDF_TEST_SECRET=whsec\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("TALKPDF_TEST_SECRET") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "whsec", os.Getenv("TALKPDF_TEST_SECRET"))

	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
}

func TestProvider(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{{Name: "openai"}, {Name: "backup"}}

	p, ok := cfg.Provider("")
	require.True(t, ok)
	assert.Equal(t, "openai", p.Name)

	p, ok = cfg.Provider("backup")
	require.True(t, ok)
	assert.Equal(t, "backup", p.Name)

	_, ok = cfg.Provider("nope")
	assert.False(t, ok)
}

func TestLoadExampleConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-example")
	t.Setenv("PAYMENT_WEBHOOK_SECRET", "whsec")

	cfg, err := Load(filepath.Join("..", "..", "talkpdf.example.yaml"))
	require.NoError(t, err)

	p, ok := cfg.Provider("openai")
	require.True(t, ok)
	assert.Equal(t, "sk-example", p.APIKey)
	assert.Equal(t, "whsec", cfg.Webhook.Secret)
	assert.Equal(t, "dev-user", cfg.Auth.Tokens["dev-token"])
	assert.Equal(t, 500*time.Millisecond, cfg.Reconcile.Backoff)
	assert.Len(t, cfg.Models.Routes[0].Targets, 2)
}
