package quota

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/talkpdf/pkg/billing"
	"github.com/pario-ai/talkpdf/pkg/models"
)

func setup(t *testing.T) (*Ledger, context.Context) {
	t.Helper()
	store, err := billing.New(filepath.Join(t.TempDir(), "quota_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store), context.Background()
}

func spend(t *testing.T, l *Ledger, userID string, tokens int64) {
	t.Helper()
	_, err := l.RecordTokenUsage(context.Background(), userID, tokens, models.OpChatMessage, models.UsageMeta{})
	require.NoError(t, err)
}

func TestEnsureAccountDefaults(t *testing.T) {
	l, ctx := setup(t)

	acct, err := l.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, FreeTokenLimit, acct.TokensLimit)
	assert.Equal(t, FreeStorageLimit, acct.StorageLimit)
	assert.Equal(t, models.SubscriptionFree, acct.SubscriptionType)
	assert.Equal(t, int64(0), acct.TokensUsed)
	require.NotNil(t, acct.NextResetDate)

	_, err = l.EnsureAccount(ctx, "")
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestEnsureAccountConcurrent(t *testing.T) {
	l, ctx := setup(t)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.EnsureAccount(ctx, "newcomer")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	accts, err := l.Accounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accts, 1)
}

func TestCheckTokens(t *testing.T) {
	l, ctx := setup(t)
	spend(t, l, "alice", 4950)

	check, err := l.CheckTokens(ctx, "alice", 1000)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, int64(50), check.Available)
	assert.Equal(t, int64(950), check.Shortfall())

	var limitErr *LimitError
	require.True(t, errors.As(check.Err(), &limitErr))
	assert.ErrorIs(t, check.Err(), ErrInsufficientTokens)
	assert.Equal(t, "Token limit exceeded. You've used 4,950 of your 5,000 tokens. Upgrade to get more tokens.",
		limitErr.FriendlyMessage())

	check, err = l.CheckTokens(ctx, "alice", 50)
	require.NoError(t, err)
	assert.True(t, check.Allowed, "exactly the remaining allowance is allowed")
	assert.NoError(t, check.Err())
}

func TestCheckDoesNotMutate(t *testing.T) {
	l, ctx := setup(t)
	spend(t, l, "alice", 100)

	for range 3 {
		_, err := l.CheckTokens(ctx, "alice", 10_000)
		require.NoError(t, err)
	}
	acct, err := l.EnsureAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.TokensUsed)
}

func TestRecordTokenUsageMayExceedLimit(t *testing.T) {
	l, ctx := setup(t)
	spend(t, l, "alice", 4990)

	total, err := l.RecordTokenUsage(ctx, "alice", 1200, models.OpChatMessage, models.UsageMeta{ConversationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(6190), total)

	summary := Summarize(mustAccount(t, l, "alice"))
	assert.Equal(t, int64(0), summary.TokensRemaining)
	assert.True(t, summary.ApproachingTokenLimit)

	_, err = l.RecordTokenUsage(ctx, "alice", -1, models.OpChatMessage, models.UsageMeta{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRecordTokensBestEffortSwallowsErrors(t *testing.T) {
	store, err := billing.New(filepath.Join(t.TempDir(), "closed.db"))
	require.NoError(t, err)
	l := New(store)
	require.NoError(t, store.Close())

	assert.NotPanics(t, func() {
		l.RecordTokensBestEffort(context.Background(), "alice", 10, models.OpQueryEmbedding, models.UsageMeta{})
	})
}

func TestRecordStorageUsage(t *testing.T) {
	l, ctx := setup(t)

	total, err := l.RecordStorageUsage(ctx, "alice", 4<<20, models.OpFileUpload, models.StorageMeta{FileID: "f1", Filename: "a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, int64(4<<20), total)

	check, err := l.CheckStorage(ctx, "alice", 2<<20)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.ErrorIs(t, check.Err(), ErrInsufficientStorage)

	_, err = l.RecordStorageUsage(ctx, "alice", 2<<20, models.OpFileUpload, models.StorageMeta{FileID: "f2"})
	assert.ErrorIs(t, err, ErrInsufficientStorage)
	assert.Equal(t, int64(4<<20), mustAccount(t, l, "alice").StorageUsed)

	total, err = l.RecordStorageUsage(ctx, "alice", 10<<20, models.OpFileDelete, models.StorageMeta{FileID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total, "deletes floor at zero")

	history, err := l.StorageHistory(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(-10<<20), history[0].SizeBytes)
}

// A concurrent upload race cannot push storage past the limit.
func TestRecordStorageUsageConcurrentUploads(t *testing.T) {
	l, ctx := setup(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordStorageUsage(ctx, "alice", 2<<20, models.OpFileUpload, models.StorageMeta{})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientStorage)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, accepted)
	assert.LessOrEqual(t, mustAccount(t, l, "alice").StorageUsed, FreeStorageLimit)
}

// Two turns that both pass the check are both recorded: the read-then-write
// race on tokens is accepted.
func TestConcurrentTurnsBothRecorded(t *testing.T) {
	l, ctx := setup(t)
	spend(t, l, "alice", 4000)

	first, err := l.CheckTokens(ctx, "alice", 800)
	require.NoError(t, err)
	second, err := l.CheckTokens(ctx, "alice", 800)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.True(t, second.Allowed)

	spend(t, l, "alice", 700)
	spend(t, l, "alice", 700)
	assert.Equal(t, int64(5400), mustAccount(t, l, "alice").TokensUsed)
}

func TestResetTokens(t *testing.T) {
	l, ctx := setup(t)
	spend(t, l, "alice", 3000)
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	acct, err := l.ResetTokens(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.TokensUsed)
	require.NotNil(t, acct.NextResetDate)
	assert.True(t, acct.NextResetDate.Equal(fixed.Add(ResetPeriod)))
}

func TestResetDue(t *testing.T) {
	l, ctx := setup(t)
	spend(t, l, "alice", 3000)
	spend(t, l, "bob", 1000)

	l.now = func() time.Time { return time.Now().UTC().Add(ResetPeriod + time.Hour) }
	n, err := l.ResetDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(0), mustAccount(t, l, "alice").TokensUsed)

	n, err = l.ResetDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "next reset moved forward")
}

func TestTokenHistory(t *testing.T) {
	l, ctx := setup(t)
	spend(t, l, "alice", 10)
	_, err := l.RecordTokenUsage(ctx, "alice", 20, models.OpQueryEmbedding, models.UsageMeta{Description: "query"})
	require.NoError(t, err)

	history, err := l.TokenHistory(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.OpQueryEmbedding, history[0].OperationType)
	assert.Equal(t, "query", history[0].Description)
}

func mustAccount(t *testing.T, l *Ledger, userID string) models.BillingAccount {
	t.Helper()
	acct, err := l.EnsureAccount(context.Background(), userID)
	require.NoError(t, err)
	return *acct
}
