package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"
)

// Embedder is the slice of the embedding service the cache wraps. Declared
// locally so the cache does not depend on the embedding package.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// EmbedCache memoizes exact-text embeddings in front of an Embedder. The
// same model always maps one text to one vector, so exact-match caching
// never changes retrieval results; it only skips repeat upstream calls for
// recurring queries and re-ingested chunks.
type EmbedCache struct {
	inner Embedder
	lru   *LRU[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Embedder = (*EmbedCache)(nil)

// EmbedCacheStats is a point-in-time hit/miss snapshot.
type EmbedCacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

func NewEmbedCache(inner Embedder, capacity int, ttl time.Duration) *EmbedCache {
	return &EmbedCache{
		inner: inner,
		lru:   NewLRU[string, []float32](capacity, ttl),
	}
}

func (c *EmbedCache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := textKey(text)
	if vec, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return vec, nil
	}
	c.misses.Add(1)

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.lru.Set(key, vec, 0)
	return vec, nil
}

// EmbedBatch serves cached texts locally and forwards only the misses
// upstream, preserving input order in the result.
func (c *EmbedCache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if vec, ok := c.lru.Get(textKey(text)); ok {
			c.hits.Add(1)
			vectors[i] = vec
			continue
		}
		c.misses.Add(1)
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return vectors, nil
	}

	fetched, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		vectors[i] = fetched[j]
		c.lru.Set(textKey(texts[i]), fetched[j], 0)
	}
	return vectors, nil
}

func (c *EmbedCache) Dimensions() int {
	return c.inner.Dimensions()
}

func (c *EmbedCache) Stats() EmbedCacheStats {
	return EmbedCacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.lru.Size(),
	}
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
