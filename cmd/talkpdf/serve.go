package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pario-ai/talkpdf/pkg/billing"
	"github.com/pario-ai/talkpdf/pkg/completion"
	"github.com/pario-ai/talkpdf/pkg/config"
	"github.com/pario-ai/talkpdf/pkg/conversation"
	"github.com/pario-ai/talkpdf/pkg/embedding"
	"github.com/pario-ai/talkpdf/pkg/indexing"
	"github.com/pario-ai/talkpdf/pkg/observability"
	"github.com/pario-ai/talkpdf/pkg/orchestrator"
	"github.com/pario-ai/talkpdf/pkg/quota"
	"github.com/pario-ai/talkpdf/pkg/rag"
	"github.com/pario-ai/talkpdf/pkg/router"
	"github.com/pario-ai/talkpdf/pkg/server"
	"github.com/pario-ai/talkpdf/pkg/tokens"
	"github.com/pario-ai/talkpdf/pkg/vectorstore"
)

const resetInterval = time.Hour

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := observability.SetupTracing(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName, cfg.Tracing.Insecure)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutCtx); err != nil {
					log.Warn().Err(err).Msg("tracing shutdown")
				}
			}()

			bs, err := billing.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init billing store: %w", err)
			}
			defer func() { _ = bs.Close() }()
			ledger := quota.New(bs)

			convs, err := conversation.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init conversation store: %w", err)
			}
			defer func() { _ = convs.Close() }()

			gateway, cache, err := newEmbedder(cfg)
			if err != nil {
				return err
			}
			if cache != nil {
				defer func() { _ = cache.Close() }()
			}

			index, err := newIndex(ctx, cfg)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			metrics := observability.NewMetrics(reg)

			rt := router.New(cfg)
			counter := tokens.NewCounter("cl100k_base")

			var tools *completion.ToolRegistry
			if cfg.Tools.Enabled {
				tools = completion.NewToolRegistry(cfg.Timeouts.Tool)
				httpClient := &http.Client{Timeout: cfg.Timeouts.Tool}
				tools.Register(&completion.WeatherTool{BaseURL: cfg.Tools.WeatherURL, Client: httpClient})
				if cfg.Tools.NewsAPIKey != "" {
					tools.Register(&completion.NewsTool{BaseURL: cfg.Tools.NewsURL, APIKey: cfg.Tools.NewsAPIKey, Client: httpClient})
				}
			}

			reconciler := orchestrator.NewReconciler(ledger, orchestrator.ReconcilerConfig{
				Workers:     cfg.Reconcile.Workers,
				QueueSize:   cfg.Reconcile.QueueSize,
				MaxAttempts: cfg.Reconcile.MaxAttempts,
				Backoff:     cfg.Reconcile.Backoff,
				Timeout:     cfg.Timeouts.Persist,
			}, metrics)
			defer reconciler.Close()

			var limiter *orchestrator.UserLimiter
			if cfg.RateLimit.Enabled {
				limiter = orchestrator.NewUserLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
			}

			orch := orchestrator.New(orchestrator.Deps{
				Ledger:        ledger,
				Conversations: convs,
				Embedder:      gateway,
				Retriever:     rag.NewRetriever(index),
				Assembler:     rag.NewAssembler(cfg.Retrieval.MaxContextChars, cfg.Retrieval.HistoryLimit),
				Streamer:      completion.NewOpenAI(rt, tools, cfg.Tools.MaxRounds, cfg.Quota.CompletionBuffer),
				Counter:       counter,
				Reconciler:    reconciler,
				Limiter:       limiter,
				Metrics:       metrics,
			}, orchestrator.Config{
				TopK:             cfg.Retrieval.TopK,
				HistoryLimit:     cfg.Retrieval.HistoryLimit,
				CompletionBuffer: cfg.Quota.CompletionBuffer,
				Tools:            tools != nil,
				RetrievalTimeout: cfg.Timeouts.Retrieval,
				StreamTimeout:    cfg.Timeouts.Stream,
				PersistTimeout:   cfg.Timeouts.Persist,
			})

			var verifier server.SignatureVerifier
			if cfg.Webhook.Secret != "" {
				verifier = server.HMACVerifier{Secret: []byte(cfg.Webhook.Secret)}
			} else {
				log.Warn().Msg("webhook secret not set, payment webhook disabled")
			}

			srv := server.New(server.Options{
				Listen:        cfg.Listen,
				ServiceName:   cfg.Tracing.ServiceName,
				Auth:          server.StaticTokens(cfg.Auth.Tokens),
				Orchestrator:  orch,
				Ledger:        ledger,
				Conversations: convs,
				Titles:        conversation.NewTitleGenerator(rt, cfg.Models.Title),
				Indexer: indexing.New(gateway, index, ledger, counter,
					cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap),
				Verifier:     verifier,
				Gatherer:     reg,
				TitleTimeout: cfg.Timeouts.Title,
			})

			go runResets(ctx, ledger)

			log.Info().
				Str("config", configPath).
				Str("vector_backend", cfg.Vector.Backend).
				Bool("tools", tools != nil).
				Msg("starting talkpdf")
			return srv.ListenAndServe(ctx)
		},
	}
}

// newEmbedder builds the embedding gateway, wrapped in the SQLite cache when
// enabled. The returned cache is nil when caching is off.
func newEmbedder(cfg *config.Config) (embedding.Gateway, *embedding.Cache, error) {
	p, ok := cfg.Provider(cfg.Embedding.Provider)
	if !ok {
		return nil, nil, fmt.Errorf("embedding provider %q not configured", cfg.Embedding.Provider)
	}
	base := embedding.NewOpenAI(router.NewClient(p), cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if !cfg.Embedding.Cache.Enabled {
		return base, nil, nil
	}
	cache, err := embedding.NewCache(cfg.DBPath, cfg.Embedding.Cache.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("init embedding cache: %w", err)
	}
	return embedding.NewCachedGateway(base, cache, cfg.Embedding.Model, cfg.Embedding.Dimensions), cache, nil
}

func newIndex(ctx context.Context, cfg *config.Config) (vectorstore.Index, error) {
	switch cfg.Vector.Backend {
	case "", "memory":
		return vectorstore.NewMemory(), nil
	case "weaviate":
		w := cfg.Vector.Weaviate
		idx, err := vectorstore.NewWeaviate(vectorstore.WeaviateConfig{
			Host:   w.Host,
			Scheme: w.Scheme,
			APIKey: w.APIKey,
			Class:  w.Class,
		})
		if err != nil {
			return nil, fmt.Errorf("init weaviate: %w", err)
		}
		if err := idx.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("weaviate schema: %w", err)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
}

// runResets restores monthly token allowances that have come due.
func runResets(ctx context.Context, ledger *quota.Ledger) {
	ticker := time.NewTicker(resetInterval)
	defer ticker.Stop()
	for {
		n, err := ledger.ResetDue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("reset due accounts")
		} else if n > 0 {
			log.Info().Int("accounts", n).Msg("token allowances reset")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
