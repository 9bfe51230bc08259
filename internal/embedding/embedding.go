// Package embedding maps text to fixed-dimension vectors through a provider.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/specdesk/internal/observe"
	"github.com/felixgeelhaar/specdesk/internal/provider"
)

// ErrDimensionMismatch is returned when a provider returns vectors of a
// dimensionality different from the one already established.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Options configure an Embedder.
type Options struct {
	// Model is recorded alongside the index so a reopened index can be checked.
	Model string
	// BatchSize caps texts per provider call. Zero means 64.
	BatchSize int
	// Dimension pins D up front. Zero learns it from the first response.
	Dimension int
	// Cache, when set, serves repeated single-text lookups.
	Cache *Cache
}

// Embedder wraps a provider with batching, a dimensionality guard and an
// optional query cache. It is safe for concurrent use.
type Embedder struct {
	provider  provider.Embedder
	model     string
	batchSize int
	cache     *Cache
	obs       *observe.Observer

	mu  sync.RWMutex
	dim int
}

// New wraps p. p should already carry its retry policy.
func New(p provider.Embedder, obs *observe.Observer, opts Options) *Embedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if obs == nil {
		obs = observe.Discard()
	}
	return &Embedder{
		provider:  p,
		model:     opts.Model,
		batchSize: opts.BatchSize,
		cache:     opts.Cache,
		obs:       obs,
		dim:       opts.Dimension,
	}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Close releases the provider client.
func (e *Embedder) Close() error { return provider.Close(e.provider) }

// Dimension returns D, or 0 before the first successful call.
func (e *Embedder) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dim
}

// Expect pins D. It fails if a different D is already established.
func (e *Embedder) Expect(dim int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim != 0 && e.dim != dim {
		return fmt.Errorf("%w: embedder produces %d, expected %d", ErrDimensionMismatch, e.dim, dim)
	}
	e.dim = dim
	return nil
}

// Embed returns the vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.Get(e.model, text); ok {
			e.obs.Log().Debug().Str("model", e.model).Msg("embedding cache hit")
			return vec, nil
		}
	}

	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Add(e.model, text, vecs[0])
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in provider batches of at most BatchSize and
// returns one vector per text in order. Any failed batch fails the call.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
		e.obs.Log().Debug().Int("done", end).Int("total", len(texts)).Msg("embedded batch")
	}
	return out, nil
}

func (e *Embedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.provider.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding provider %s returned %d vectors for %d texts", e.provider.Name(), len(vecs), len(texts))
	}
	for _, v := range vecs {
		if err := e.check(len(v)); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (e *Embedder) check(n int) error {
	if n == 0 {
		return fmt.Errorf("%w: provider returned an empty vector", ErrDimensionMismatch)
	}
	e.mu.RLock()
	dim := e.dim
	e.mu.RUnlock()
	if dim == n {
		return nil
	}
	if dim != 0 {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, n, dim)
	}
	return e.Expect(n)
}
