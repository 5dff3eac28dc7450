package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/talkpdf/pkg/billing"
	"github.com/pario-ai/talkpdf/pkg/models"
)

// Free-tier allowances granted when an account is first created.
const (
	FreeTokenLimit   int64 = 5000
	FreeStorageLimit int64 = 5 << 20
)

// ResetPeriod is the length of a token billing period.
const ResetPeriod = 30 * 24 * time.Hour

var (
	// ErrInsufficientTokens is returned when a turn would exceed the token allowance.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrInsufficientStorage is returned when an upload would exceed the storage allowance.
	ErrInsufficientStorage = billing.ErrInsufficientStorage
	// ErrInvalidAmount is returned for negative usage amounts.
	ErrInvalidAmount = errors.New("invalid usage amount")
	// ErrMissingUser is returned when no user ID is supplied.
	ErrMissingUser = errors.New("missing user id")
)

// Ledger is the single authority over per-user token and storage counters.
type Ledger struct {
	store billing.Store
	group singleflight.Group
	now   func() time.Time
}

// New creates a Ledger over the given billing store.
func New(store billing.Store) *Ledger {
	return &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// EnsureAccount returns the user's account, creating a free-tier account on
// first use. Concurrent first calls produce exactly one account.
func (l *Ledger) EnsureAccount(ctx context.Context, userID string) (*models.BillingAccount, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	acct, err := l.store.GetAccount(ctx, userID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, billing.ErrAccountNotFound) {
		return nil, fmt.Errorf("ensure account: %w", err)
	}

	v, err, _ := l.group.Do(userID, func() (any, error) {
		next := l.now().Add(ResetPeriod)
		if err := l.store.CreateAccount(ctx, models.BillingAccount{
			UserID:             userID,
			TokensLimit:        FreeTokenLimit,
			StorageLimit:       FreeStorageLimit,
			SubscriptionType:   models.SubscriptionFree,
			SubscriptionStatus: models.StatusActive,
			NextResetDate:      &next,
		}); err != nil {
			return nil, err
		}
		log.Info().Str("user_id", userID).Msg("billing account created")
		return l.store.GetAccount(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	// Callers sharing the flight must not share the pointer.
	created := *v.(*models.BillingAccount)
	return &created, nil
}

// CheckTokens reports whether the user can spend needed tokens. It never
// mutates the account.
func (l *Ledger) CheckTokens(ctx context.Context, userID string, needed int64) (Check, error) {
	acct, err := l.EnsureAccount(ctx, userID)
	if err != nil {
		return Check{}, err
	}
	return newCheck(ResourceTokens, needed, acct.TokensUsed, acct.TokensLimit), nil
}

// CheckStorage reports whether the user can store bytes more bytes.
func (l *Ledger) CheckStorage(ctx context.Context, userID string, bytes int64) (Check, error) {
	acct, err := l.EnsureAccount(ctx, userID)
	if err != nil {
		return Check{}, err
	}
	return newCheck(ResourceStorage, bytes, acct.StorageUsed, acct.StorageLimit), nil
}

// RecordTokenUsage adds tokens to the user's counter and logs a transaction.
// The limit is not re-checked: usage already incurred is always recorded.
func (l *Ledger) RecordTokenUsage(ctx context.Context, userID string, tokens int64, op models.TokenOperation, meta models.UsageMeta) (int64, error) {
	if tokens < 0 {
		return 0, fmt.Errorf("%w: %d tokens", ErrInvalidAmount, tokens)
	}
	if _, err := l.EnsureAccount(ctx, userID); err != nil {
		return 0, err
	}
	total, err := l.store.AddTokens(ctx, models.TokenTransaction{
		UserID:         userID,
		ConversationID: meta.ConversationID,
		MessageID:      meta.MessageID,
		TokensUsed:     tokens,
		OperationType:  op,
		Description:    meta.Description,
		CreatedAt:      l.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("record token usage: %w", err)
	}
	return total, nil
}

// RecordTokensBestEffort records usage and logs instead of returning errors.
// Used where losing a usage record must not fail the user's request.
func (l *Ledger) RecordTokensBestEffort(ctx context.Context, userID string, tokens int64, op models.TokenOperation, meta models.UsageMeta) {
	if tokens <= 0 {
		return
	}
	if _, err := l.RecordTokenUsage(ctx, userID, tokens, op, meta); err != nil {
		log.Warn().Err(err).
			Str("user_id", userID).
			Str("operation", string(op)).
			Int64("tokens", tokens).
			Msg("token usage not recorded")
	}
}

// RecordStorageUsage applies a storage change. Uploads are re-validated
// against the limit inside the write; deletes decrement with a floor of zero.
// bytes is the file size and is always non-negative.
func (l *Ledger) RecordStorageUsage(ctx context.Context, userID string, bytes int64, op models.StorageOperation, meta models.StorageMeta) (int64, error) {
	if bytes < 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidAmount, bytes)
	}
	acct, err := l.EnsureAccount(ctx, userID)
	if err != nil {
		return 0, err
	}

	delta := bytes
	if op == models.OpFileDelete {
		delta = -bytes
	}
	total, err := l.store.AddStorage(ctx, models.StorageTransaction{
		UserID:        userID,
		FileID:        meta.FileID,
		SizeBytes:     delta,
		OperationType: op,
		Filename:      meta.Filename,
		CreatedAt:     l.now(),
	}, op == models.OpFileUpload)
	if errors.Is(err, billing.ErrInsufficientStorage) {
		return total, newCheck(ResourceStorage, bytes, total, acct.StorageLimit).Err()
	}
	if err != nil {
		return 0, fmt.Errorf("record storage usage: %w", err)
	}
	return total, nil
}

// ResetTokens starts a new billing period: the token counter goes to zero and
// the next reset is scheduled one period from now.
func (l *Ledger) ResetTokens(ctx context.Context, userID string) (*models.BillingAccount, error) {
	if _, err := l.EnsureAccount(ctx, userID); err != nil {
		return nil, err
	}
	if err := l.store.ResetTokens(ctx, userID, l.now().Add(ResetPeriod)); err != nil {
		return nil, fmt.Errorf("reset tokens: %w", err)
	}
	return l.store.GetAccount(ctx, userID)
}

// ResetDue resets every account whose next reset date has passed and returns
// the number of accounts reset.
func (l *Ledger) ResetDue(ctx context.Context) (int, error) {
	accts, err := l.store.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}
	now := l.now()
	n := 0
	for _, a := range accts {
		if a.NextResetDate == nil || a.NextResetDate.After(now) {
			continue
		}
		if _, err := l.ResetTokens(ctx, a.UserID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Accounts lists every billing account.
func (l *Ledger) Accounts(ctx context.Context) ([]models.BillingAccount, error) {
	return l.store.ListAccounts(ctx)
}

// TokenHistory returns the user's token transactions, newest first.
func (l *Ledger) TokenHistory(ctx context.Context, userID string, limit, offset int) ([]models.TokenTransaction, error) {
	return l.store.TokenTransactions(ctx, userID, clampLimit(limit), max(0, offset))
}

// StorageHistory returns the user's storage transactions, newest first.
func (l *Ledger) StorageHistory(ctx context.Context, userID string, limit, offset int) ([]models.StorageTransaction, error) {
	return l.store.StorageTransactions(ctx, userID, clampLimit(limit), max(0, offset))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return min(limit, 500)
}
