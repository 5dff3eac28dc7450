// Package rag retrieves document context and assembles grounded prompts.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/vectorstore"
)

// DefaultTopK is used when a search asks for zero or fewer results.
const DefaultTopK = 5

// ErrMissingUser is returned when a search is not scoped to a user.
var ErrMissingUser = errors.New("retrieval requires a user id")

// Retriever runs similarity search inside a single user's namespace.
type Retriever struct {
	index vectorstore.Index
}

// NewRetriever creates a Retriever over index.
func NewRetriever(index vectorstore.Index) *Retriever {
	return &Retriever{index: index}
}

// Search returns up to topK chunks from userID's namespace, optionally
// restricted to one conversation, ordered by descending score. Chunks with
// blank text are dropped.
func (r *Retriever) Search(ctx context.Context, userID string, vector []float32, topK int, conversationID string) ([]models.RetrievedChunk, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	matches, err := r.index.Query(ctx, vectorstore.Namespace(userID), vector, topK,
		vectorstore.Filter{ConversationID: conversationID})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	chunks := make([]models.RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		if strings.TrimSpace(m.Metadata.Text) == "" {
			continue
		}
		chunks = append(chunks, models.RetrievedChunk{
			Text:      m.Metadata.Text,
			FileName:  m.Metadata.FileName,
			SourceURL: m.Metadata.Source,
			Score:     m.Score,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	return chunks, nil
}
