package models

import "time"

// SubscriptionType is the plan an account is on.
type SubscriptionType string

const (
	SubscriptionFree SubscriptionType = "free"
	SubscriptionPaid SubscriptionType = "paid"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// BillingAccount holds the per-user token and storage counters and limits.
// Counters only move through recorded transactions.
type BillingAccount struct {
	UserID             string             `json:"userId"`
	TokensUsed         int64              `json:"tokensUsed"`
	TokensLimit        int64              `json:"tokensLimit"`
	StorageUsed        int64              `json:"storageUsed"`
	StorageLimit       int64              `json:"storageLimit"`
	SubscriptionType   SubscriptionType   `json:"subscriptionType"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	NextResetDate      *time.Time         `json:"nextResetDate,omitempty"`
	LastUpdated        time.Time          `json:"lastUpdated"`
	CreatedAt          time.Time          `json:"createdAt"`
}

// TokensRemaining returns the unused token allowance, floored at zero.
func (a BillingAccount) TokensRemaining() int64 {
	return max(0, a.TokensLimit-a.TokensUsed)
}

// StorageRemaining returns the unused storage allowance, floored at zero.
func (a BillingAccount) StorageRemaining() int64 {
	return max(0, a.StorageLimit-a.StorageUsed)
}

// TokenOperation classifies what consumed tokens.
type TokenOperation string

const (
	OpChatMessage         TokenOperation = "chat_message"
	OpFileProcessing      TokenOperation = "file_processing"
	OpEmbeddingGeneration TokenOperation = "embedding_generation"
	OpQueryEmbedding      TokenOperation = "query_embedding"
)

// StorageOperation classifies a storage counter change.
type StorageOperation string

const (
	OpFileUpload StorageOperation = "file_upload"
	OpFileDelete StorageOperation = "file_delete"
)

// TokenTransaction is an append-only record of token consumption.
type TokenTransaction struct {
	ID             int64          `json:"id"`
	UserID         string         `json:"userId"`
	ConversationID string         `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	TokensUsed     int64          `json:"tokensUsed"`
	OperationType  TokenOperation `json:"operationType"`
	Description    string         `json:"description,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// StorageTransaction is an append-only record of a storage change.
// SizeBytes is negative for deletions.
type StorageTransaction struct {
	ID            int64            `json:"id"`
	UserID        string           `json:"userId"`
	FileID        string           `json:"fileId,omitempty"`
	SizeBytes     int64            `json:"sizeBytes"`
	OperationType StorageOperation `json:"operationType"`
	Filename      string           `json:"filename,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// UsageMeta annotates a token transaction.
type UsageMeta struct {
	ConversationID string
	MessageID      string
	Description    string
}

// StorageMeta annotates a storage transaction.
type StorageMeta struct {
	FileID   string
	Filename string
}
