// Package cached decorates an embedder with a ristretto cache so repeated
// texts (recurring queries, re-imported saves) skip the model entirely.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/fableloom/loom-go-sdk/memory"
)

// Embedder wraps another embedder with an in-process vector cache keyed by
// the exact input text. Failures are never cached.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// New creates a caching decorator around inner. maxBytes bounds the cache
// cost budget; 0 picks a 16 MiB default.
func New(inner memory.Embedder, maxBytes int64) (*Embedder, error) {
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector for text when present, otherwise delegates
// to the wrapped embedder and caches the result. Vectors are copied on both
// sides so cache entries stay immutable.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if cached, ok := v.([]float32); ok {
			out := make([]float32, len(cached))
			copy(out, cached)
			return out, nil
		}
	}

	embedding, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	stored := make([]float32, len(embedding))
	copy(stored, embedding)
	e.cache.Set(text, stored, int64(len(stored)*4))
	// Set is buffered; flush so the entry is visible to the next call. The
	// wait is negligible next to the embedding itself.
	e.cache.Wait()

	return embedding, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Close releases the cache.
func (e *Embedder) Close() error {
	e.cache.Close()
	return nil
}
