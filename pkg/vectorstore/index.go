// Package vectorstore stores document chunk vectors in per-user namespaces.
package vectorstore

import (
	"context"
	"errors"
)

// ErrNoNamespace is returned when an operation is not scoped to a namespace.
var ErrNoNamespace = errors.New("vector namespace required")

// Metadata is stored alongside each vector.
type Metadata struct {
	Text           string `json:"text"`
	FileID         string `json:"fileId"`
	FileName       string `json:"fileName"`
	Source         string `json:"source"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
}

// Record is one vector to upsert. IDs are unique within a namespace.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

// Filter narrows a query within a namespace.
type Filter struct {
	ConversationID string
}

// Match is a query hit. Score is in [0,1], higher is more similar.
type Match struct {
	ID       string
	Score    float64
	Metadata Metadata
}

// Index is a namespaced vector index. Every operation touches exactly one
// namespace.
type Index interface {
	Upsert(ctx context.Context, namespace string, records []Record) error
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error)
	DeleteFile(ctx context.Context, namespace, fileID string) (int, error)
}

// Namespace returns the vector namespace owned by userID.
func Namespace(userID string) string {
	return "user-" + userID
}
