package provider

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder wraps an Embedder with a ristretto cache keyed by input
// text. Vectors are returned as copies so callers may mutate them.
type CachedEmbedder struct {
	base  Embedder
	cache *ristretto.Cache

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedEmbedder caches up to roughly maxEntries vectors of dim floats.
func NewCachedEmbedder(base Embedder, maxEntries, dim int) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if dim <= 0 {
		dim = 768
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries) * int64(dim) * 4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &CachedEmbedder{base: base, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		c.hits.Add(1)
		return clone(v.([]float32)), nil
	}
	c.misses.Add(1)

	v, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, clone(v), int64(len(v))*4)
	return v, nil
}

// Probe forwards to the wrapped embedder when it can probe.
func (c *CachedEmbedder) Probe(ctx context.Context) error {
	if p, ok := c.base.(Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}

// Stats returns cache hit and miss counts.
func (c *CachedEmbedder) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Wait blocks until buffered writes are applied. Sets are asynchronous.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

func (c *CachedEmbedder) Close() { c.cache.Close() }

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
