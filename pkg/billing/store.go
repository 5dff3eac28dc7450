package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/sqlitedb"
)

var (
	// ErrAccountNotFound is returned when no billing account exists for a user.
	ErrAccountNotFound = errors.New("billing account not found")
	// ErrInsufficientStorage is returned when an upload would exceed the storage limit.
	ErrInsufficientStorage = errors.New("insufficient storage")
)

// Store persists billing accounts and their transaction logs.
type Store interface {
	// GetAccount returns the account for userID or ErrAccountNotFound.
	GetAccount(ctx context.Context, userID string) (*models.BillingAccount, error)
	// CreateAccount inserts acct unless one already exists for the user.
	CreateAccount(ctx context.Context, acct models.BillingAccount) error
	// AddTokens increments tokens_used and appends tx atomically. It never
	// checks the limit. Returns the new counter value.
	AddTokens(ctx context.Context, tx models.TokenTransaction) (int64, error)
	// AddStorage applies the signed tx.SizeBytes to storage_used (floored at
	// zero) and appends tx atomically. With enforceLimit, a change that would
	// exceed the limit fails with ErrInsufficientStorage and nothing is written.
	AddStorage(ctx context.Context, tx models.StorageTransaction, enforceLimit bool) (int64, error)
	// RaiseLimits adds to both limits and optionally sets the subscription type.
	RaiseLimits(ctx context.Context, userID string, tokens, storage int64, sub models.SubscriptionType) (*models.BillingAccount, error)
	// ResetTokens zeroes tokens_used and schedules the next reset.
	ResetTokens(ctx context.Context, userID string, nextReset time.Time) error
	// TokenTransactions lists token transactions, newest first.
	TokenTransactions(ctx context.Context, userID string, limit, offset int) ([]models.TokenTransaction, error)
	// StorageTransactions lists storage transactions, newest first.
	StorageTransactions(ctx context.Context, userID string, limit, offset int) ([]models.StorageTransaction, error)
	// ListAccounts returns every account ordered by user ID.
	ListAccounts(ctx context.Context) ([]models.BillingAccount, error)
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const createAccountsTable = `
CREATE TABLE IF NOT EXISTS billing_accounts (
	user_id TEXT PRIMARY KEY,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	tokens_limit INTEGER NOT NULL,
	storage_used INTEGER NOT NULL DEFAULT 0,
	storage_limit INTEGER NOT NULL,
	subscription_type TEXT NOT NULL DEFAULT 'free',
	subscription_status TEXT NOT NULL DEFAULT 'active',
	next_reset_date DATETIME,
	last_updated DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
`

const createTransactionTables = `
CREATE TABLE IF NOT EXISTS token_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	message_id TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL,
	operation_type TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_tx_user ON token_transactions(user_id, created_at);

CREATE TABLE IF NOT EXISTS storage_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	file_id TEXT NOT NULL DEFAULT '',
	size_bytes INTEGER NOT NULL,
	operation_type TEXT NOT NULL,
	filename TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_storage_tx_user ON storage_transactions(user_id, created_at);
`

// New opens the billing database at dbPath and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}

	if _, err := db.Exec(createAccountsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate billing accounts: %w", err)
	}
	if _, err := db.Exec(createTransactionTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate billing transactions: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

const accountColumns = `user_id, tokens_used, tokens_limit, storage_used, storage_limit,
	subscription_type, subscription_status, next_reset_date, last_updated, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.BillingAccount, error) {
	var (
		a         models.BillingAccount
		nextReset sql.NullTime
	)
	err := row.Scan(&a.UserID, &a.TokensUsed, &a.TokensLimit, &a.StorageUsed, &a.StorageLimit,
		&a.SubscriptionType, &a.SubscriptionStatus, &nextReset, &a.LastUpdated, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nextReset.Valid {
		t := nextReset.Time
		a.NextResetDate = &t
	}
	return &a, nil
}

// GetAccount returns the account for userID.
func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*models.BillingAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM billing_accounts WHERE user_id = ?`, userID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acct, nil
}

// CreateAccount inserts acct. An existing row for the same user wins.
func (s *SQLiteStore) CreateAccount(ctx context.Context, acct models.BillingAccount) error {
	now := s.now()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	if acct.LastUpdated.IsZero() {
		acct.LastUpdated = now
	}
	var nextReset sql.NullTime
	if acct.NextResetDate != nil {
		nextReset = sql.NullTime{Time: *acct.NextResetDate, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		acct.UserID, acct.TokensUsed, acct.TokensLimit, acct.StorageUsed, acct.StorageLimit,
		acct.SubscriptionType, acct.SubscriptionStatus, nextReset, acct.LastUpdated, acct.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// AddTokens increments the token counter and appends the transaction.
func (s *SQLiteStore) AddTokens(ctx context.Context, tx models.TokenTransaction) (int64, error) {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add tokens: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	var total int64
	err = dbtx.QueryRowContext(ctx,
		`UPDATE billing_accounts SET tokens_used = tokens_used + ?, last_updated = ?
		 WHERE user_id = ? RETURNING tokens_used`,
		tx.TokensUsed, tx.CreatedAt, tx.UserID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("update tokens: %w", err)
	}

	_, err = dbtx.ExecContext(ctx,
		`INSERT INTO token_transactions (user_id, conversation_id, message_id, tokens_used, operation_type, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.UserID, tx.ConversationID, tx.MessageID, tx.TokensUsed, tx.OperationType, tx.Description, tx.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert token transaction: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add tokens: %w", err)
	}
	return total, nil
}

// AddStorage applies a signed storage change and appends the transaction.
func (s *SQLiteStore) AddStorage(ctx context.Context, tx models.StorageTransaction, enforceLimit bool) (int64, error) {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add storage: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	var used, limit int64
	err = dbtx.QueryRowContext(ctx,
		`SELECT storage_used, storage_limit FROM billing_accounts WHERE user_id = ?`, tx.UserID,
	).Scan(&used, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read storage: %w", err)
	}

	if enforceLimit && tx.SizeBytes > 0 && used+tx.SizeBytes > limit {
		return used, ErrInsufficientStorage
	}
	total := max(0, used+tx.SizeBytes)

	if _, err := dbtx.ExecContext(ctx,
		`UPDATE billing_accounts SET storage_used = ?, last_updated = ? WHERE user_id = ?`,
		total, tx.CreatedAt, tx.UserID,
	); err != nil {
		return 0, fmt.Errorf("update storage: %w", err)
	}

	if _, err := dbtx.ExecContext(ctx,
		`INSERT INTO storage_transactions (user_id, file_id, size_bytes, operation_type, filename, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tx.UserID, tx.FileID, tx.SizeBytes, tx.OperationType, tx.Filename, tx.CreatedAt,
	); err != nil {
		return 0, fmt.Errorf("insert storage transaction: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add storage: %w", err)
	}
	return total, nil
}

// RaiseLimits adds tokens and storage to the account limits. An empty sub
// leaves the subscription type unchanged.
func (s *SQLiteStore) RaiseLimits(ctx context.Context, userID string, tokens, storage int64, sub models.SubscriptionType) (*models.BillingAccount, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin raise limits: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	res, err := dbtx.ExecContext(ctx,
		`UPDATE billing_accounts
		 SET tokens_limit = tokens_limit + ?,
		     storage_limit = storage_limit + ?,
		     subscription_type = COALESCE(NULLIF(?, ''), subscription_type),
		     subscription_status = ?,
		     last_updated = ?
		 WHERE user_id = ?`,
		tokens, storage, string(sub), models.StatusActive, s.now(), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("raise limits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAccountNotFound
	}

	acct, err := scanAccount(dbtx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM billing_accounts WHERE user_id = ?`, userID))
	if err != nil {
		return nil, fmt.Errorf("read raised account: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit raise limits: %w", err)
	}
	return acct, nil
}

// ResetTokens zeroes the token counter for a new billing period.
func (s *SQLiteStore) ResetTokens(ctx context.Context, userID string, nextReset time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE billing_accounts SET tokens_used = 0, next_reset_date = ?, last_updated = ? WHERE user_id = ?`,
		nextReset, s.now(), userID,
	)
	if err != nil {
		return fmt.Errorf("reset tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// TokenTransactions lists a user's token transactions, newest first.
func (s *SQLiteStore) TokenTransactions(ctx context.Context, userID string, limit, offset int) ([]models.TokenTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, conversation_id, message_id, tokens_used, operation_type, description, created_at
		 FROM token_transactions WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query token transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.TokenTransaction
	for rows.Next() {
		var tx models.TokenTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.ConversationID, &tx.MessageID,
			&tx.TokensUsed, &tx.OperationType, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan token transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// StorageTransactions lists a user's storage transactions, newest first.
func (s *SQLiteStore) StorageTransactions(ctx context.Context, userID string, limit, offset int) ([]models.StorageTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, file_id, size_bytes, operation_type, filename, created_at
		 FROM storage_transactions WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query storage transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.StorageTransaction
	for rows.Next() {
		var tx models.StorageTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.FileID, &tx.SizeBytes,
			&tx.OperationType, &tx.Filename, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan storage transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// ListAccounts returns all accounts.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]models.BillingAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM billing_accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accts []models.BillingAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accts = append(accts, *a)
	}
	return accts, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
