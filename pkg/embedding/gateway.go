// Package embedding turns text into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

var (
	// ErrDimensionMismatch means the model returned vectors of an unexpected
	// size. It indicates a configuration error, not a transient failure.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrEmptyResponse is returned when the provider sends no vectors.
	ErrEmptyResponse = errors.New("empty embedding response")
)

// Result is a single embedding and the tokens it cost.
type Result struct {
	Vector     []float32
	TokensCost int
}

// BatchResult holds one vector per input, in input order.
type BatchResult struct {
	Vectors    [][]float32
	TokensCost int
}

// Gateway computes embeddings. It never touches the usage ledger; callers
// record TokensCost themselves.
type Gateway interface {
	Embed(ctx context.Context, text string) (Result, error)
	EmbedBatch(ctx context.Context, texts []string) (BatchResult, error)
}

// maxBatch caps inputs per provider request.
const maxBatch = 100

// OpenAIGateway embeds text through an OpenAI-compatible embeddings endpoint.
type OpenAIGateway struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAI creates a gateway for the given model and vector dimension.
func NewOpenAI(client *openai.Client, model string, dimensions int) *OpenAIGateway {
	return &OpenAIGateway{
		client:     client,
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
	}
}

// Model returns the embedding model name.
func (g *OpenAIGateway) Model() string { return string(g.model) }

// Embed returns the embedding of text.
func (g *OpenAIGateway) Embed(ctx context.Context, text string) (Result, error) {
	batch, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return Result{}, err
	}
	return Result{Vector: batch.Vectors[0], TokensCost: batch.TokensCost}, nil
}

// EmbedBatch embeds texts, splitting into provider-sized requests.
func (g *OpenAIGateway) EmbedBatch(ctx context.Context, texts []string) (BatchResult, error) {
	out := BatchResult{Vectors: make([][]float32, 0, len(texts))}
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		resp, err := g.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      texts[start:end],
			Model:      g.model,
			Dimensions: g.dimensions,
		})
		if err != nil {
			return BatchResult{}, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return BatchResult{}, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmptyResponse, len(resp.Data), end-start)
		}
		vectors := make([][]float32, len(resp.Data))
		for _, d := range resp.Data {
			if len(d.Embedding) != g.dimensions {
				return BatchResult{}, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, g.dimensions, len(d.Embedding))
			}
			if d.Index < 0 || d.Index >= len(vectors) {
				return BatchResult{}, fmt.Errorf("embedding index %d out of range", d.Index)
			}
			vectors[d.Index] = d.Embedding
		}
		out.Vectors = append(out.Vectors, vectors...)
		out.TokensCost += resp.Usage.TotalTokens
	}
	return out, nil
}
