// Package server exposes the chat, billing, conversation and indexing APIs
// over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/pario-ai/talkpdf/pkg/conversation"
	"github.com/pario-ai/talkpdf/pkg/indexing"
	"github.com/pario-ai/talkpdf/pkg/orchestrator"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

// Options wires a Server. Titles, Indexer, Verifier and Gatherer are
// optional; their routes degrade or are omitted when nil.
type Options struct {
	Listen        string
	ServiceName   string
	Auth          Authenticator
	Orchestrator  *orchestrator.Orchestrator
	Ledger        *quota.Ledger
	Conversations conversation.Store
	Titles        *conversation.TitleGenerator
	Indexer       *indexing.Indexer
	Verifier      SignatureVerifier
	Gatherer      prometheus.Gatherer
	TitleTimeout  time.Duration
}

// Server is the talkpdf HTTP API.
type Server struct {
	opts     Options
	engine   *gin.Engine
	validate *validator.Validate
}

// New builds the gin engine and registers every route.
func New(opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "talkpdf"
	}
	if opts.TitleTimeout <= 0 {
		opts.TitleTimeout = 15 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), otelgin.Middleware(opts.ServiceName))

	s := &Server{opts: opts, engine: engine, validate: validator.New()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.opts.Verifier != nil {
		s.engine.POST("/api/webhooks/payment", s.handlePaymentWebhook)
	}

	api := s.engine.Group("/api", requireUser(s.opts.Auth))
	{
		api.POST("/chat", s.handleChat)
		api.GET("/billing/usage", s.handleBillingUsage)
		api.GET("/usage", s.handleUsageHistory)
		api.POST("/files", s.handleFileUpload)
		api.DELETE("/files/:id", s.handleFileDelete)
		api.POST("/index", s.handleIndex)

		conv := api.Group("/conversations")
		{
			conv.POST("", s.handleCreateConversation)
			conv.GET("", s.handleListConversations)
			conv.GET("/:id", s.handleGetConversation)
			conv.POST("/:id/title", s.handleGenerateTitle)
		}
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.opts.Listen).Msg("talkpdf listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
