// Package orchestrator runs one chat turn end to end: quota gate, retrieval,
// prompt assembly, streamed completion, persistence and usage reconciliation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pario-ai/talkpdf/pkg/completion"
	"github.com/pario-ai/talkpdf/pkg/conversation"
	"github.com/pario-ai/talkpdf/pkg/embedding"
	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/observability"
	"github.com/pario-ai/talkpdf/pkg/quota"
	"github.com/pario-ai/talkpdf/pkg/rag"
	"github.com/pario-ai/talkpdf/pkg/tokens"
)

// Ledger is the quota gate consulted before a turn.
type Ledger interface {
	CheckTokens(ctx context.Context, userID string, needed int64) (quota.Check, error)
}

// Conversations is the message store a turn reads history from and writes to.
type Conversations interface {
	Lookup(ctx context.Context, userID, id string) (*models.Conversation, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	AddMessages(ctx context.Context, conversationID string, msgs []models.Message) ([]models.Message, error)
}

// Searcher finds document chunks for a query vector.
type Searcher interface {
	Search(ctx context.Context, userID string, vector []float32, topK int, conversationID string) ([]models.RetrievedChunk, error)
}

// Sink receives a turn's output as it is produced.
type Sink interface {
	Event(ev completion.Event) error
	Finish(usage models.Usage) error
	Error(te *TurnError) error
}

// TurnRequest is the chat endpoint's body. The last message is the question.
type TurnRequest struct {
	ConversationID string           `json:"conversationId" validate:"required"`
	Messages       []models.Message `json:"messages" validate:"required,min=1,dive"`
	Model          string           `json:"model,omitempty"`
}

// Config tunes the turn pipeline.
type Config struct {
	TopK             int
	HistoryLimit     int
	CompletionBuffer int
	Tools            bool
	RetrievalTimeout time.Duration
	StreamTimeout    time.Duration
	PersistTimeout   time.Duration
}

// Deps are the collaborators a turn needs. Limiter and Metrics may be nil.
type Deps struct {
	Ledger        Ledger
	Conversations Conversations
	Embedder      embedding.Gateway
	Retriever     Searcher
	Assembler     *rag.Assembler
	Streamer      completion.Streamer
	Counter       *tokens.Counter
	Reconciler    *Reconciler
	Limiter       *UserLimiter
	Metrics       *observability.Metrics
}

// Orchestrator runs chat turns. It holds no per-turn state and is safe for
// concurrent use.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	tracer trace.Tracer
}

// New returns an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = rag.DefaultTopK
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if deps.Counter == nil {
		deps.Counter = tokens.Heuristic()
	}
	return &Orchestrator{deps: deps, cfg: cfg, tracer: observability.Tracer()}
}

// RetrievalResult is the outcome of the retrieval step. A non-nil Err means
// the turn continues without document context.
type RetrievalResult struct {
	Chunks          []models.RetrievedChunk
	EmbeddingTokens int
	Err             error
}

// Turn is a prepared chat turn whose completion stream is already open.
type Turn struct {
	o        *Orchestrator
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	start    time.Time
	userID   string
	convID   string
	question models.Message
	prompt   rag.Prompt
	stream   *completion.Stream
	Degraded bool
}

// Run prepares and streams a turn. Pre-stream failures are returned without
// touching sink.
func (o *Orchestrator) Run(ctx context.Context, userID string, req TurnRequest, sink Sink) error {
	turn, err := o.Prepare(ctx, userID, req)
	if err != nil {
		return err
	}
	return turn.Stream(sink)
}

// Prepare runs every step up to and including opening the completion
// stream. A returned error is always a *TurnError and means no model call
// was made.
func (o *Orchestrator) Prepare(ctx context.Context, userID string, req TurnRequest) (*Turn, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "turn.prepare", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("conversation_id", req.ConversationID),
	))

	turn, err := o.prepare(ctx, userID, req, start)
	if err != nil {
		te := AsTurnError(err)
		span.SetStatus(codes.Error, string(te.Kind))
		span.End()
		o.deps.Metrics.Turn(string(te.Kind), 0)
		return nil, te
	}
	turn.span = span
	return turn, nil
}

func (o *Orchestrator) prepare(ctx context.Context, userID string, req TurnRequest, start time.Time) (*Turn, error) {
	if userID == "" {
		return nil, unauthenticated()
	}
	if !o.deps.Limiter.Allow(userID) {
		return nil, rateLimited()
	}

	estimate := o.deps.Counter.EstimateTurn(rag.SystemPreamble, req.Messages, o.cfg.CompletionBuffer)
	check, err := o.deps.Ledger.CheckTokens(ctx, userID, int64(estimate))
	if err != nil {
		return nil, internal(fmt.Errorf("check tokens: %w", err))
	}
	if !check.Allowed {
		log.Info().
			Str("user_id", userID).
			Int64("needed", check.Needed).
			Int64("available", check.Available).
			Msg("turn rejected: token limit")
		return nil, quotaExceeded(check)
	}

	if len(req.Messages) == 0 {
		return nil, invalidRequest("No message provided.")
	}
	question := req.Messages[len(req.Messages)-1]
	text := strings.TrimSpace(question.Text())
	if question.Role != models.RoleUser || text == "" {
		return nil, invalidRequest("The last message must be a non-empty user message.")
	}
	if req.ConversationID == "" {
		return nil, invalidRequest("conversationId is required.")
	}
	if _, err := o.deps.Conversations.Lookup(ctx, userID, req.ConversationID); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, invalidRequest("Conversation not found.")
		}
		return nil, internal(err)
	}

	history, err := o.deps.Conversations.RecentMessages(ctx, req.ConversationID, o.cfg.HistoryLimit)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("history unavailable, using request messages")
		history = req.Messages[:len(req.Messages)-1]
	}

	res := o.retrieve(ctx, userID, req.ConversationID, text)
	var prompt rag.Prompt
	if res.Err != nil {
		o.deps.Metrics.RetrievalDegraded()
		log.Warn().Err(res.Err).
			Str("user_id", userID).
			Str("conversation_id", req.ConversationID).
			Msg("retrieval degraded, answering without documents")
		prompt = o.deps.Assembler.Degraded(text, history)
	} else {
		prompt = o.deps.Assembler.Assemble(text, res.Chunks, history)
	}
	if res.EmbeddingTokens > 0 {
		o.deps.Reconciler.Enqueue(UsageJob{
			UserID:    userID,
			Tokens:    int64(res.EmbeddingTokens),
			Operation: models.OpQueryEmbedding,
			Meta:      models.UsageMeta{ConversationID: req.ConversationID, Description: "Query embedding"},
		})
	}

	// The stream outlives Prepare; it ends with the request context or the
	// stream timeout, whichever comes first.
	streamCtx, cancel := context.WithCancel(ctx)
	if o.cfg.StreamTimeout > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, o.cfg.StreamTimeout)
	}
	stream, err := o.deps.Streamer.Stream(streamCtx, completion.Request{
		System: prompt.System,
		Prompt: prompt.User,
		Model:  req.Model,
		Tools:  o.cfg.Tools,
	})
	if err != nil {
		cancel()
		log.Error().Err(err).Str("user_id", userID).Msg("completion stream failed to open")
		return nil, streamFailure(err)
	}

	return &Turn{
		o:        o,
		ctx:      streamCtx,
		cancel:   cancel,
		start:    start,
		userID:   userID,
		convID:   req.ConversationID,
		question: question,
		prompt:   prompt,
		stream:   stream,
		Degraded: res.Err != nil,
	}, nil
}

// retrieve embeds the question and searches the user's documents. Failures
// are reported in the result, never returned.
func (o *Orchestrator) retrieve(ctx context.Context, userID, conversationID, question string) RetrievalResult {
	ctx, span := o.tracer.Start(ctx, "turn.retrieve")
	defer span.End()
	if o.cfg.RetrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
		defer cancel()
	}

	emb, err := o.deps.Embedder.Embed(ctx, question)
	if err != nil {
		span.RecordError(err)
		return RetrievalResult{Err: fmt.Errorf("embed question: %w", err)}
	}
	chunks, err := o.deps.Retriever.Search(ctx, userID, emb.Vector, o.cfg.TopK, conversationID)
	if err != nil {
		span.RecordError(err)
		return RetrievalResult{EmbeddingTokens: emb.TokensCost, Err: fmt.Errorf("vector search: %w", err)}
	}
	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	return RetrievalResult{Chunks: chunks, EmbeddingTokens: emb.TokensCost}
}

// Abort cancels a prepared turn without streaming it.
func (t *Turn) Abort() {
	t.stream.Abort()
	t.cancel()
	t.span.End()
}

// Prompt returns the assembled prompt.
func (t *Turn) Prompt() rag.Prompt { return t.prompt }

// Stream forwards completion events to sink until the stream ends. On a
// normal finish the user and assistant messages are saved and usage is
// queued for reconciliation. An aborted turn saves nothing.
func (t *Turn) Stream(sink Sink) error {
	defer t.cancel()
	defer t.span.End()
	o := t.o

	first := true
	for {
		ev, err := t.stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return t.fail(sink, err)
		}
		if first {
			o.deps.Metrics.FirstToken(time.Since(t.start))
			first = false
		}
		if err := sink.Event(ev); err != nil {
			// The client went away; stop generating.
			t.stream.Abort()
			o.deps.Metrics.Turn("aborted", time.Since(t.start))
			log.Info().Err(err).Str("conversation_id", t.convID).Msg("turn aborted by client")
			return err
		}
	}

	usage, err := t.stream.Usage(t.ctx)
	if err != nil {
		return t.fail(sink, err)
	}
	if err := sink.Finish(usage); err != nil {
		log.Debug().Err(err).Msg("finish event not delivered")
	}

	assistantID := t.persist(true)
	t.reconcile(usage, assistantID)
	o.deps.Metrics.Turn("finished", time.Since(t.start))
	t.span.SetAttributes(attribute.Int("total_tokens", usage.TotalTokens))
	return nil
}

func (t *Turn) fail(sink Sink, err error) error {
	o := t.o
	if t.stream.State() == completion.StateAborted && !errors.Is(err, context.DeadlineExceeded) {
		o.deps.Metrics.Turn("aborted", time.Since(t.start))
		log.Info().Str("conversation_id", t.convID).Msg("turn aborted, partial output discarded")
		return err
	}

	te := streamFailure(err)
	t.span.SetStatus(codes.Error, string(te.Kind))
	o.deps.Metrics.Turn("errored", time.Since(t.start))
	log.Error().Err(err).
		Str("user_id", t.userID).
		Str("conversation_id", t.convID).
		Str("kind", string(te.Kind)).
		Msg("completion stream failed")
	if sendErr := sink.Error(te); sendErr != nil {
		log.Debug().Err(sendErr).Msg("error event not delivered")
	}
	// The question and any output the client already received are kept with
	// the conversation, but usage is not reconciled for an unfinished stream.
	t.persist(len(t.stream.Parts()) > 0)
	return te
}

// persist saves the question, and the assistant reply when withReply is set,
// in one write. It returns the assistant message ID, or "" when no reply was
// saved.
func (t *Turn) persist(withReply bool) string {
	o := t.o
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), o.cfg.PersistTimeout)
	defer cancel()

	msgs := []models.Message{t.question}
	if withReply {
		msgs = append(msgs, models.Message{Role: models.RoleAssistant, Parts: t.stream.Parts()})
	}
	stored, err := o.deps.Conversations.AddMessages(ctx, t.convID, msgs)
	if err != nil {
		o.deps.Metrics.PersistenceFailed()
		log.Error().Err(err).
			Bool("persistence_failure", true).
			Str("user_id", t.userID).
			Str("conversation_id", t.convID).
			Msg("turn messages not saved")
		return ""
	}
	if !withReply {
		return ""
	}
	return stored[len(stored)-1].ID
}

func (t *Turn) reconcile(usage models.Usage, messageID string) {
	o := t.o
	total := int64(usage.TotalTokens)
	if total == 0 {
		// Some compatible providers omit usage on streams.
		total = int64(o.deps.Counter.Count(t.prompt.String()) + o.deps.Counter.Count(t.stream.Text()))
		log.Debug().Int64("estimated_tokens", total).Msg("provider reported no usage, estimating")
	}
	o.deps.Reconciler.Enqueue(UsageJob{
		UserID:    t.userID,
		Tokens:    total,
		Operation: models.OpChatMessage,
		Meta: models.UsageMeta{
			ConversationID: t.convID,
			MessageID:      messageID,
			Description:    "Chat message",
		},
	})
}
