package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	wvmodels "github.com/weaviate/weaviate/entities/models"
)

// WeaviateConfig locates a Weaviate instance and names the chunk class.
type WeaviateConfig struct {
	Host   string
	Scheme string
	APIKey string
	Class  string
}

// WeaviateIndex stores all namespaces in one class and isolates them with an
// exact-match filter on the namespace property.
type WeaviateIndex struct {
	client *weaviate.Client
	class  string
}

// NewWeaviate connects to Weaviate. Call EnsureSchema before first use.
func NewWeaviate(cfg WeaviateConfig) (*WeaviateIndex, error) {
	wcfg := weaviate.Config{
		Host:   cfg.Host,
		Scheme: cfg.Scheme,
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	class := cfg.Class
	if class == "" {
		class = "Chunk"
	}
	return &WeaviateIndex{client: client, class: class}, nil
}

// chunkClass is the schema for stored chunks. Vectors are supplied by the
// caller, so no vectorizer module is configured.
func chunkClass(name string) *wvmodels.Class {
	filterable := true
	exact := func(prop, desc string) *wvmodels.Property {
		return &wvmodels.Property{
			Name:            prop,
			DataType:        []string{"text"},
			Description:     desc,
			IndexFilterable: &filterable,
			Tokenization:    "field",
		}
	}
	return &wvmodels.Class{
		Class:       name,
		Description: "Document chunks for retrieval-augmented chat.",
		Vectorizer:  "none",
		Properties: []*wvmodels.Property{
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "Chunk text.",
				Tokenization: "word",
			},
			exact("namespace", "Owning user namespace."),
			exact("chunk_id", "Caller-assigned chunk identifier."),
			exact("file_id", "Source file identifier."),
			exact("file_name", "Source file name."),
			exact("source", "Source URL."),
			exact("conversation_id", "Conversation the file was attached to."),
			exact("user_id", "Owning user."),
		},
	}
}

// EnsureSchema creates the chunk class if it does not exist.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("check weaviate class: %w", err)
	}
	if exists {
		return nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(chunkClass(w.class)).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class: %w", err)
	}
	log.Info().Str("class", w.class).Msg("weaviate class created")
	return nil
}

// objectID derives a stable UUID so re-indexing a chunk overwrites it.
func objectID(namespace, id string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"/"+id)).String())
}

// Upsert writes records in one batch.
func (w *WeaviateIndex) Upsert(ctx context.Context, namespace string, records []Record) error {
	if namespace == "" {
		return ErrNoNamespace
	}
	if len(records) == 0 {
		return nil
	}
	objects := make([]*wvmodels.Object, len(records))
	for i, r := range records {
		objects[i] = &wvmodels.Object{
			Class:  w.class,
			ID:     objectID(namespace, r.ID),
			Vector: r.Vector,
			Properties: map[string]any{
				"text":            r.Metadata.Text,
				"namespace":       namespace,
				"chunk_id":        r.ID,
				"file_id":         r.Metadata.FileID,
				"file_name":       r.Metadata.FileName,
				"source":          r.Metadata.Source,
				"conversation_id": r.Metadata.ConversationID,
				"user_id":         r.Metadata.UserID,
			},
		}
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate batch upsert: %w", err)
	}
	failed := 0
	var first string
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			if failed == 0 {
				first = item.Result.Errors.Error[0].Message
			}
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("weaviate batch upsert: %d of %d objects failed: %s", failed, len(objects), first)
	}
	return nil
}

func (w *WeaviateIndex) namespaceWhere(namespace string, extra ...*filters.WhereBuilder) *filters.WhereBuilder {
	where := filters.Where().
		WithPath([]string{"namespace"}).
		WithOperator(filters.Equal).
		WithValueText(namespace)
	if len(extra) == 0 {
		return where
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(append([]*filters.WhereBuilder{where}, extra...))
}

// Query runs a nearVector search restricted to namespace.
func (w *WeaviateIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	if namespace == "" {
		return nil, ErrNoNamespace
	}
	var extra []*filters.WhereBuilder
	if filter.ConversationID != "" {
		extra = append(extra, filters.Where().
			WithPath([]string{"conversation_id"}).
			WithOperator(filters.Equal).
			WithValueText(filter.ConversationID))
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	resp, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(
			graphql.Field{Name: "chunk_id"},
			graphql.Field{Name: "text"},
			graphql.Field{Name: "file_id"},
			graphql.Field{Name: "file_name"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "conversation_id"},
			graphql.Field{Name: "user_id"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
		).
		WithWhere(w.namespaceWhere(namespace, extra...)).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query: %s", resp.Errors[0].Message)
	}
	return parseMatches(resp.Data, w.class)
}

// DeleteFile removes all chunks of fileID from namespace.
func (w *WeaviateIndex) DeleteFile(ctx context.Context, namespace, fileID string) (int, error) {
	if namespace == "" {
		return 0, ErrNoNamespace
	}
	where := w.namespaceWhere(namespace, filters.Where().
		WithPath([]string{"file_id"}).
		WithOperator(filters.Equal).
		WithValueText(fileID))

	resp, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(w.class).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate delete file: %w", err)
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	return int(resp.Results.Successful), nil
}

type chunkObject struct {
	ChunkID        string `json:"chunk_id"`
	Text           string `json:"text"`
	FileID         string `json:"file_id"`
	FileName       string `json:"file_name"`
	Source         string `json:"source"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Additional     struct {
		Certainty *float64 `json:"certainty"`
	} `json:"_additional"`
}

var errMalformedResponse = errors.New("malformed weaviate response")

// parseMatches decodes a GraphQL Get response into matches ordered by
// descending certainty.
func parseMatches(data map[string]wvmodels.JSONObject, class string) ([]Match, error) {
	get, ok := data["Get"]
	if !ok || get == nil {
		return nil, nil
	}
	raw, err := json.Marshal(get)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	var byClass map[string][]chunkObject
	if err := json.Unmarshal(raw, &byClass); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}

	objs := byClass[class]
	matches := make([]Match, 0, len(objs))
	for _, o := range objs {
		score := 0.0
		if o.Additional.Certainty != nil {
			score = *o.Additional.Certainty
		}
		matches = append(matches, Match{
			ID:    o.ChunkID,
			Score: score,
			Metadata: Metadata{
				Text:           o.Text,
				FileID:         o.FileID,
				FileName:       o.FileName,
				Source:         o.Source,
				ConversationID: o.ConversationID,
				UserID:         o.UserID,
			},
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}
