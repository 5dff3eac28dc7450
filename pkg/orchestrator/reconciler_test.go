package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/observability"
	"github.com/pario-ai/talkpdf/pkg/quota"
)

type flakyRecorder struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    atomic.Int32
	recorded []UsageJob
	gate     chan struct{}
}

func (f *flakyRecorder) RecordTokenUsage(_ context.Context, userID string, tokens int64, op models.TokenOperation, meta models.UsageMeta) (int64, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return 0, f.err
	}
	f.recorded = append(f.recorded, UsageJob{UserID: userID, Tokens: tokens, Operation: op, Meta: meta})
	return tokens, nil
}

func TestReconcilerRetries(t *testing.T) {
	rec := &flakyRecorder{failures: 2, err: errors.New("database is locked")}
	r := NewReconciler(rec, ReconcilerConfig{MaxAttempts: 3, Backoff: time.Millisecond}, nil)

	assert.True(t, r.Enqueue(UsageJob{UserID: "u1", Tokens: 42, Operation: models.OpChatMessage}))
	r.Close()

	assert.Equal(t, int32(3), rec.calls.Load())
	assert.Len(t, rec.recorded, 1)
	assert.Equal(t, int64(42), rec.recorded[0].Tokens)
}

func TestReconcilerGivesUp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	rec := &flakyRecorder{failures: 10, err: errors.New("disk I/O error")}
	r := NewReconciler(rec, ReconcilerConfig{MaxAttempts: 2, Backoff: time.Millisecond}, m)

	r.Enqueue(UsageJob{UserID: "u1", Tokens: 5, Operation: models.OpChatMessage})
	r.Close()

	assert.Equal(t, int32(2), rec.calls.Load())
	assert.Empty(t, rec.recorded)
	expected := `
# HELP talkpdf_reconcile_failures_total Usage records dropped after exhausting retries.
# TYPE talkpdf_reconcile_failures_total counter
talkpdf_reconcile_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "talkpdf_reconcile_failures_total"))
}

func TestReconcilerSkipsPermanentErrors(t *testing.T) {
	rec := &flakyRecorder{failures: 10, err: quota.ErrMissingUser}
	r := NewReconciler(rec, ReconcilerConfig{MaxAttempts: 5, Backoff: time.Millisecond}, nil)

	r.Enqueue(UsageJob{Tokens: 5, Operation: models.OpChatMessage})
	r.Close()
	assert.Equal(t, int32(1), rec.calls.Load())
}

func TestReconcilerIgnoresZeroUsage(t *testing.T) {
	rec := &flakyRecorder{}
	r := NewReconciler(rec, ReconcilerConfig{}, nil)

	assert.True(t, r.Enqueue(UsageJob{UserID: "u1", Tokens: 0}))
	r.Close()
	assert.Equal(t, int32(0), rec.calls.Load())
}

func TestReconcilerFullQueueDrops(t *testing.T) {
	rec := &flakyRecorder{gate: make(chan struct{})}
	r := NewReconciler(rec, ReconcilerConfig{Workers: 1, QueueSize: 1}, nil)

	job := UsageJob{UserID: "u1", Tokens: 1, Operation: models.OpChatMessage}
	assert.True(t, r.Enqueue(job))
	// Wait for the worker to pick up the first job and block on the gate.
	assert.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, r.Enqueue(job))
	assert.False(t, r.Enqueue(job))

	close(rec.gate)
	r.Close()
	assert.Len(t, rec.recorded, 2)
	assert.False(t, r.Enqueue(job), "closed reconciler accepts nothing")
}
