// Package conversation stores chat threads and their messages.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/sqlitedb"
)

var (
	// ErrNotFound is returned for unknown conversations and for conversations
	// owned by another user.
	ErrNotFound = errors.New("conversation not found")
	// ErrEmptyBatch is returned by AddMessages when given no messages.
	ErrEmptyBatch = errors.New("no messages to add")
)

// DefaultTitle names conversations created without one.
const DefaultTitle = "New Chat"

// Store persists conversations.
type Store interface {
	Create(ctx context.Context, userID, title string) (*models.Conversation, error)
	Lookup(ctx context.Context, userID, id string) (*models.Conversation, error)
	Get(ctx context.Context, userID, id string) (*models.ConversationDetail, error)
	ListByUser(ctx context.Context, userID string) ([]models.Conversation, error)
	AddMessages(ctx context.Context, conversationID string, msgs []models.Message) ([]models.Message, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	UpdateTitle(ctx context.Context, userID, id, title string) error
	Close() error
}

// SQLiteStore implements Store with a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const createTables = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	parts TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`

// New opens the conversation database at dbPath and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}

	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Create starts a conversation for userID.
func (s *SQLiteStore) Create(ctx context.Context, userID, title string) (*models.Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	c := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		UserID:    userID,
		CreatedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// Lookup returns the conversation without its messages.
func (s *SQLiteStore) Lookup(ctx context.Context, userID, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at FROM conversations WHERE id = ? AND user_id = ?`,
		id, userID).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	return &c, nil
}

// Get returns the conversation with its messages, oldest first. A
// conversation owned by another user is reported as ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (*models.ConversationDetail, error) {
	c, err := s.Lookup(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	d := models.ConversationDetail{Conversation: *c}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, parts, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	d.Messages, err = scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if d.Messages == nil {
		d.Messages = []models.Message{}
	}
	return &d, nil
}

// ListByUser returns the user's conversations, newest first.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at FROM conversations
		 WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddMessages appends msgs to the conversation in a single transaction, so a
// turn's user and assistant messages are stored together or not at all.
// Missing IDs and timestamps are filled in; the stored messages are returned.
func (s *SQLiteStore) AddMessages(ctx context.Context, conversationID string, msgs []models.Message) ([]models.Message, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}

	now := s.now()
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.ConversationID = conversationID
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return nil, fmt.Errorf("encode parts: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, parts, created_at) VALUES (?, ?, ?, ?, ?)`,
			m.ID, conversationID, string(m.Role), string(parts), m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		out = append(out, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// RecentMessages returns up to limit of the latest messages, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, parts, created_at FROM (
			SELECT seq, id, conversation_id, role, parts, created_at FROM messages
			WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// UpdateTitle renames a conversation owned by userID.
func (s *SQLiteStore) UpdateTitle(ctx context.Context, userID, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`, title, id, userID)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		var (
			m     models.Message
			role  string
			parts string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &parts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			return nil, fmt.Errorf("decode parts of %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
