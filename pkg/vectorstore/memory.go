package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index using exact cosine similarity. Suitable
// for development and tests.
type MemoryIndex struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]Record
}

// NewMemory creates an empty MemoryIndex.
func NewMemory() *MemoryIndex {
	return &MemoryIndex{namespaces: make(map[string]map[string]Record)}
}

// Upsert inserts or replaces records by ID.
func (m *MemoryIndex) Upsert(_ context.Context, namespace string, records []Record) error {
	if namespace == "" {
		return ErrNoNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]Record)
		m.namespaces[namespace] = ns
	}
	for _, r := range records {
		r.Vector = append([]float32(nil), r.Vector...)
		ns[r.ID] = r
	}
	return nil
}

// Query returns the topK most similar records in namespace.
func (m *MemoryIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	if namespace == "" {
		return nil, ErrNoNamespace
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for id, r := range m.namespaces[namespace] {
		if filter.ConversationID != "" && r.Metadata.ConversationID != filter.ConversationID {
			continue
		}
		matches = append(matches, Match{ID: id, Score: certainty(vector, r.Vector), Metadata: r.Metadata})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// DeleteFile removes every record of fileID from namespace.
func (m *MemoryIndex) DeleteFile(_ context.Context, namespace, fileID string) (int, error) {
	if namespace == "" {
		return 0, ErrNoNamespace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.namespaces[namespace] {
		if r.Metadata.FileID == fileID {
			delete(m.namespaces[namespace], id)
			n++
		}
	}
	return n, nil
}

// Len reports how many records namespace holds.
func (m *MemoryIndex) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[namespace])
}

// certainty maps cosine similarity from [-1,1] onto [0,1], matching the
// scale Weaviate reports.
func certainty(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (1 + cos) / 2
}
