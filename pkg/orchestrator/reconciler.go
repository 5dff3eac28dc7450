package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/observability"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

// Recorder writes usage to the quota ledger.
type Recorder interface {
	RecordTokenUsage(ctx context.Context, userID string, tokens int64, op models.TokenOperation, meta models.UsageMeta) (int64, error)
}

// UsageJob is one usage record to write after a turn.
type UsageJob struct {
	UserID    string
	Tokens    int64
	Operation models.TokenOperation
	Meta      models.UsageMeta
}

// ReconcilerConfig sizes a Reconciler.
type ReconcilerConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	// Timeout bounds each ledger write.
	Timeout time.Duration
}

// Reconciler records usage in the background, off the request path. A job
// that still fails after MaxAttempts is logged and dropped.
type Reconciler struct {
	rec     Recorder
	cfg     ReconcilerConfig
	metrics *observability.Metrics
	queue   chan UsageJob

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewReconciler starts the worker goroutines. Call Close to drain and stop
// them.
func NewReconciler(rec Recorder, cfg ReconcilerConfig, metrics *observability.Metrics) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	r := &Reconciler{
		rec:     rec,
		cfg:     cfg,
		metrics: metrics,
		queue:   make(chan UsageJob, cfg.QueueSize),
	}
	for range cfg.Workers {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Enqueue schedules job without blocking. It reports false when the queue is
// full or closed; the job is then logged and dropped.
func (r *Reconciler) Enqueue(job UsageJob) bool {
	if job.Tokens <= 0 {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(job, "reconciler closed")
		return false
	}
	select {
	case r.queue <- job:
		r.metrics.QueueDepth(len(r.queue))
		return true
	default:
		r.drop(job, "reconcile queue full")
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Reconciler) worker() {
	defer r.wg.Done()
	for job := range r.queue {
		r.metrics.QueueDepth(len(r.queue))
		r.process(job)
	}
}

func (r *Reconciler) process(job UsageJob) {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		_, err = r.rec.RecordTokenUsage(ctx, job.UserID, job.Tokens, job.Operation, job.Meta)
		cancel()
		if err == nil {
			r.metrics.Tokens(string(job.Operation), job.Tokens)
			return
		}
		if errors.Is(err, quota.ErrInvalidAmount) || errors.Is(err, quota.ErrMissingUser) {
			break
		}
		if attempt < r.cfg.MaxAttempts {
			time.Sleep(r.cfg.Backoff * time.Duration(attempt))
		}
	}
	r.metrics.ReconcileFailed()
	log.Error().Err(err).
		Str("user_id", job.UserID).
		Str("operation", string(job.Operation)).
		Str("conversation_id", job.Meta.ConversationID).
		Int64("tokens", job.Tokens).
		Msg("usage reconciliation failed")
}

func (r *Reconciler) drop(job UsageJob, reason string) {
	r.metrics.ReconcileFailed()
	log.Error().
		Str("user_id", job.UserID).
		Str("operation", string(job.Operation)).
		Int64("tokens", job.Tokens).
		Msg(reason + ", usage dropped")
}
