package embedding

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pario-ai/talkpdf/pkg/sqlitedb"
)

// Cache is an exact-match embedding cache backed by SQLite.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports cache size and effectiveness.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS embedding_cache (
	text_hash TEXT NOT NULL,
	model TEXT NOT NULL,
	vector BLOB NOT NULL,
	created_unix INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	PRIMARY KEY (text_hash, model)
);
`

// NewCache opens an embedding cache with the given default TTL.
func NewCache(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate embedding cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

// HashText computes a SHA-256 key for text under a model.
func HashText(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns a cached vector. Expired entries are misses.
func (c *Cache) Get(ctx context.Context, hash, model string) ([]float32, bool) {
	var (
		blob        []byte
		createdUnix int64
		ttlSeconds  int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT vector, created_unix, ttl_seconds FROM embedding_cache WHERE text_hash = ? AND model = ?`,
		hash, model,
	).Scan(&blob, &createdUnix, &ttlSeconds)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}

	if time.Since(time.Unix(createdUnix, 0)) > time.Duration(ttlSeconds)*time.Second {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return decodeVector(blob), true
}

// Put stores a vector.
func (c *Cache) Put(ctx context.Context, hash, model string, vector []float32) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embedding_cache (text_hash, model, vector, created_unix, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?)`,
		hash, model, encodeVector(vector), time.Now().Unix(), int64(c.ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("embedding cache put: %w", err)
	}
	return nil
}

// Stats returns cache size and hit counters.
func (c *Cache) Stats() (CacheStats, error) {
	var count int64
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM embedding_cache`).Scan(&count); err != nil {
		return CacheStats{}, fmt.Errorf("embedding cache stats: %w", err)
	}
	return CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(expiredOnly bool) error {
	query := `DELETE FROM embedding_cache`
	var args []any
	if expiredOnly {
		query += ` WHERE created_unix + ttl_seconds < ?`
		args = append(args, time.Now().Unix())
	}
	if _, err := c.db.Exec(query, args...); err != nil {
		return fmt.Errorf("embedding cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// CachedGateway serves repeated texts from a Cache. Cached vectors cost
// zero tokens.
type CachedGateway struct {
	next  Gateway
	cache *Cache
	model string
}

// NewCachedGateway wraps next. Cache keys are namespaced by model and
// dimensions, so changing either never serves vectors of the old shape.
func NewCachedGateway(next Gateway, cache *Cache, model string, dimensions int) *CachedGateway {
	return &CachedGateway{next: next, cache: cache, model: fmt.Sprintf("%s@%d", model, dimensions)}
}

// Embed returns a cached vector or delegates and stores the result.
func (g *CachedGateway) Embed(ctx context.Context, text string) (Result, error) {
	hash := HashText(g.model, text)
	if v, ok := g.cache.Get(ctx, hash, g.model); ok {
		return Result{Vector: v}, nil
	}
	res, err := g.next.Embed(ctx, text)
	if err != nil {
		return Result{}, err
	}
	g.put(ctx, hash, res.Vector)
	return res, nil
}

// EmbedBatch embeds only the texts that are not cached.
func (g *CachedGateway) EmbedBatch(ctx context.Context, texts []string) (BatchResult, error) {
	out := BatchResult{Vectors: make([][]float32, len(texts))}
	hashes := make([]string, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, text := range texts {
		hashes[i] = HashText(g.model, text)
		if v, ok := g.cache.Get(ctx, hashes[i], g.model); ok {
			out.Vectors[i] = v
			continue
		}
		missing = append(missing, text)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	res, err := g.next.EmbedBatch(ctx, missing)
	if err != nil {
		return BatchResult{}, err
	}
	for j, v := range res.Vectors {
		out.Vectors[slots[j]] = v
		g.put(ctx, hashes[slots[j]], v)
	}
	out.TokensCost = res.TokensCost
	return out, nil
}

func (g *CachedGateway) put(ctx context.Context, hash string, v []float32) {
	if err := g.cache.Put(ctx, hash, g.model, v); err != nil {
		log.Warn().Err(err).Msg("embedding cache write failed")
	}
}
