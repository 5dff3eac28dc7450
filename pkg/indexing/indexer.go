// Package indexing chunks extracted document text, embeds the chunks and
// stores them in the user's vector namespace.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/pario-ai/talkpdf/pkg/embedding"
	"github.com/pario-ai/talkpdf/pkg/models"
	"github.com/pario-ai/talkpdf/pkg/quota"
	"github.com/pario-ai/talkpdf/pkg/tokens"
	"github.com/pario-ai/talkpdf/pkg/vectorstore"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	titleChunks   = 3
	titleTextSize = 500
)

var (
	ErrNoFiles  = errors.New("no files provided")
	ErrNoChunks = errors.New("no valid chunks created")
)

// Meter is the part of the quota ledger indexing needs.
type Meter interface {
	CheckTokens(ctx context.Context, userID string, needed int64) (quota.Check, error)
	RecordTokensBestEffort(ctx context.Context, userID string, tokens int64, op models.TokenOperation, meta models.UsageMeta)
}

// File is one document whose text has already been extracted.
type File struct {
	FileID string `json:"fileId" validate:"required"`
	Name   string `json:"name" validate:"required"`
	URL    string `json:"url"`
	Text   string `json:"text" validate:"required"`
}

// Request indexes files, optionally scoping them to one conversation.
type Request struct {
	ConversationID string `json:"conversationId,omitempty"`
	Files          []File `json:"files" validate:"required,min=1,dive"`
}

// FileResult describes one indexed file.
type FileResult struct {
	FileID string `json:"fileId"`
	Name   string `json:"fileName"`
	Chunks int    `json:"chunks"`
	// TextContent is a short excerpt used for title generation.
	TextContent string `json:"textContent"`
}

// Result summarises an indexing run.
type Result struct {
	Namespace   string       `json:"namespace"`
	TotalChunks int          `json:"totalChunks"`
	TokensUsed  int64        `json:"tokensUsed"`
	Files       []FileResult `json:"files"`
}

// Indexer turns documents into vector records.
type Indexer struct {
	splitter textsplitter.TextSplitter
	gateway  embedding.Gateway
	index    vectorstore.Index
	meter    Meter
	counter  *tokens.Counter
}

// New returns an Indexer using a recursive character splitter with the given
// chunk size and overlap.
func New(gateway embedding.Gateway, index vectorstore.Index, meter Meter, counter *tokens.Counter, chunkSize, chunkOverlap int) *Indexer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
	}
	return &Indexer{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
		gateway: gateway,
		index:   index,
		meter:   meter,
		counter: counter,
	}
}

// Index splits, embeds and upserts every file. Files are processed in order
// and the first failure stops the run; files already stored stay indexed.
func (ix *Indexer) Index(ctx context.Context, userID string, req Request) (*Result, error) {
	if userID == "" {
		return nil, quota.ErrMissingUser
	}
	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}

	res := &Result{Namespace: vectorstore.Namespace(userID)}
	for _, f := range req.Files {
		fr, used, err := ix.indexFile(ctx, userID, req.ConversationID, f)
		res.TokensUsed += used
		if err != nil {
			return res, fmt.Errorf("processing %s: %w", f.Name, err)
		}
		res.TotalChunks += fr.Chunks
		res.Files = append(res.Files, fr)
	}

	log.Info().
		Str("user_id", userID).
		Int("files", len(res.Files)).
		Int("chunks", res.TotalChunks).
		Int64("tokens", res.TokensUsed).
		Msg("documents indexed")
	return res, nil
}

func (ix *Indexer) indexFile(ctx context.Context, userID, conversationID string, f File) (FileResult, int64, error) {
	chunks, err := ix.split(f.Text)
	if err != nil {
		return FileResult{}, 0, err
	}

	estimate := 0
	for _, c := range chunks {
		estimate += ix.counter.Count(c)
	}
	check, err := ix.meter.CheckTokens(ctx, userID, int64(estimate))
	if err != nil {
		return FileResult{}, 0, err
	}
	if err := check.Err(); err != nil {
		return FileResult{}, 0, err
	}

	batch, err := ix.gateway.EmbedBatch(ctx, chunks)
	if err != nil {
		return FileResult{}, 0, fmt.Errorf("embedding: %w", err)
	}
	// Embedding spend is real once the provider answered, even if the upsert
	// below fails.
	ix.meter.RecordTokensBestEffort(ctx, userID, int64(batch.TokensCost), models.OpEmbeddingGeneration, models.UsageMeta{
		ConversationID: conversationID,
		Description:    fmt.Sprintf("Indexed %s (%d chunks)", f.Name, len(chunks)),
	})

	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vectorstore.Record{
			ID:     fmt.Sprintf("%s-chunk-%d", f.FileID, i),
			Vector: batch.Vectors[i],
			Metadata: vectorstore.Metadata{
				Text:           c,
				FileID:         f.FileID,
				FileName:       f.Name,
				Source:         f.URL,
				ConversationID: conversationID,
				UserID:         userID,
			},
		}
	}
	if err := ix.index.Upsert(ctx, vectorstore.Namespace(userID), records); err != nil {
		return FileResult{}, int64(batch.TokensCost), fmt.Errorf("vector indexing failed: %w", err)
	}

	return FileResult{
		FileID:      f.FileID,
		Name:        f.Name,
		Chunks:      len(chunks),
		TextContent: excerpt(chunks),
	}, int64(batch.TokensCost), nil
}

func (ix *Indexer) split(text string) ([]string, error) {
	raw, err := ix.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting: %w", err)
	}
	chunks := raw[:0]
	for _, c := range raw {
		if strings.TrimSpace(c) != "" {
			chunks = append(chunks, c)
		}
	}
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	return chunks, nil
}

// Remove deletes a file's chunks from the user's namespace.
func (ix *Indexer) Remove(ctx context.Context, userID, fileID string) (int, error) {
	if userID == "" {
		return 0, quota.ErrMissingUser
	}
	return ix.index.DeleteFile(ctx, vectorstore.Namespace(userID), fileID)
}

func excerpt(chunks []string) string {
	n := min(len(chunks), titleChunks)
	return tokens.Truncate(strings.Join(chunks[:n], " "), titleTextSize)
}
