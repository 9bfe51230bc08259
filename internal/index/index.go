// Package index is the persisted vector index over chunk embeddings.
//
// Similarity is cosine and fixed per index. Search is exhaustive and returns
// results in non-increasing score order, ties broken by insertion order, so a
// reopened index ranks exactly like the in-memory one that was persisted.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// MetricCosine is the only similarity metric an index can be built with.
const MetricCosine = "cosine"

const formatVersion = 1

var (
	// ErrIndexNotFound means nothing has been persisted at the index path.
	ErrIndexNotFound = errors.New("index not found")
	// ErrDimensionMismatch is returned for vectors of the wrong length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalidK is returned for a non-positive result count.
	ErrInvalidK = errors.New("k must be positive")
)

// CorruptError reports a persisted index that cannot serve the running
// configuration, most often because it was built with another embedding model.
type CorruptError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("index %s is unusable: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("index %s is unusable: %s", e.Path, e.Reason)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Meta describes a persisted index.
type Meta struct {
	Dimension int       `json:"dimension"`
	Metric    string    `json:"metric"`
	Model     string    `json:"model,omitempty"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one indexed chunk.
type Entry struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Vector     []float32         `json:"vector"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is a search hit.
type Result struct {
	Entry Entry
	Score float32
}

// Backend persists index metadata and entries.
type Backend interface {
	// Path identifies the storage location in errors and logs.
	Path() string
	Exists() (bool, error)
	// Load returns the metadata and all entries in insertion order.
	Load(ctx context.Context) (Meta, []Entry, error)
	// Append stores meta and appends entries after those already stored.
	Append(ctx context.Context, meta Meta, entries []Entry) error
	Close() error
}

// Options are checked against a persisted index when it is opened.
type Options struct {
	// Dimension expected by the running embedder; zero skips the check.
	Dimension int
	// Model expected by the running embedder; empty skips the check.
	Model string
}

// Index holds all entries in memory. Reads run concurrently; Add and Persist
// are meant for the single-threaded build.
type Index struct {
	mu        sync.RWMutex
	backend   Backend
	meta      Meta
	entries   []Entry
	norms     []float64
	persisted int
}

// New returns an empty index. backend may be nil for a purely in-memory index.
func New(backend Backend, opts Options) *Index {
	now := time.Now().UTC()
	return &Index{
		backend: backend,
		meta: Meta{
			Dimension: opts.Dimension,
			Metric:    MetricCosine,
			Model:     opts.Model,
			Version:   formatVersion,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// Open loads a persisted index for serving. It returns ErrIndexNotFound when
// nothing is stored and *CorruptError when the stored index cannot serve opts.
func Open(ctx context.Context, backend Backend, opts Options) (*Index, error) {
	ok, err := backend.Exists()
	if err != nil {
		return nil, fmt.Errorf("check index %s: %w", backend.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%w at %s", ErrIndexNotFound, backend.Path())
	}

	meta, entries, err := backend.Load(ctx)
	if err != nil {
		var corrupt *CorruptError
		if errors.As(err, &corrupt) || errors.Is(err, ErrIndexNotFound) {
			return nil, err
		}
		return nil, &CorruptError{Path: backend.Path(), Reason: "cannot load", Err: err}
	}
	if err := validate(backend.Path(), meta, entries, opts); err != nil {
		return nil, err
	}

	ix := &Index{
		backend:   backend,
		meta:      meta,
		entries:   entries,
		norms:     make([]float64, len(entries)),
		persisted: len(entries),
	}
	for i, e := range entries {
		ix.norms[i] = norm(e.Vector)
	}
	return ix, nil
}

// OpenOrCreate opens the persisted index or starts an empty one for building.
// The returned bool reports whether an existing index was reopened.
func OpenOrCreate(ctx context.Context, backend Backend, opts Options) (*Index, bool, error) {
	ix, err := Open(ctx, backend, opts)
	if errors.Is(err, ErrIndexNotFound) {
		return New(backend, opts), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ix, true, nil
}

func validate(path string, meta Meta, entries []Entry, opts Options) error {
	if meta.Metric != MetricCosine {
		return &CorruptError{Path: path, Reason: fmt.Sprintf("unsupported metric %q", meta.Metric)}
	}
	if meta.Version > formatVersion {
		return &CorruptError{Path: path, Reason: fmt.Sprintf("format version %d is newer than %d", meta.Version, formatVersion)}
	}
	if opts.Dimension != 0 && meta.Dimension != 0 && meta.Dimension != opts.Dimension {
		return &CorruptError{
			Path:   path,
			Reason: fmt.Sprintf("stored dimension %d does not match embedding dimension %d", meta.Dimension, opts.Dimension),
			Err:    ErrDimensionMismatch,
		}
	}
	if opts.Model != "" && meta.Model != "" && meta.Model != opts.Model {
		return &CorruptError{Path: path, Reason: fmt.Sprintf("built with embedding model %q, running %q", meta.Model, opts.Model)}
	}
	for _, e := range entries {
		if len(e.Vector) != meta.Dimension {
			return &CorruptError{
				Path:   path,
				Reason: fmt.Sprintf("entry %s has %d dimensions, index has %d", e.ChunkID, len(e.Vector), meta.Dimension),
				Err:    ErrDimensionMismatch,
			}
		}
	}
	return nil
}

// Add appends entries. The first vector ever added fixes the dimension when
// it was not known up front.
func (ix *Index) Add(entries ...Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	dim := ix.meta.Dimension
	for _, e := range entries {
		if dim == 0 {
			dim = len(e.Vector)
		}
		if len(e.Vector) == 0 || len(e.Vector) != dim {
			return fmt.Errorf("%w: entry %s has %d dimensions, index has %d", ErrDimensionMismatch, e.ChunkID, len(e.Vector), dim)
		}
	}

	ix.meta.Dimension = dim
	for _, e := range entries {
		ix.entries = append(ix.entries, e)
		ix.norms = append(ix.norms, norm(e.Vector))
	}
	return nil
}

// Persist flushes entries added since the last Persist.
func (ix *Index) Persist(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.backend == nil {
		return errors.New("index has no backend")
	}
	ix.meta.UpdatedAt = time.Now().UTC()
	pending := ix.entries[ix.persisted:]
	if err := ix.backend.Append(ctx, ix.meta, pending); err != nil {
		return fmt.Errorf("persist index %s: %w", ix.backend.Path(), err)
	}
	ix.persisted = len(ix.entries)
	return nil
}

// Search returns the min(k, Len()) entries most similar to query.
func (ix *Index) Search(query []float32, k int) ([]Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.entries) == 0 {
		return nil, nil
	}
	if len(query) != ix.meta.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), ix.meta.Dimension)
	}

	qn := norm(query)
	order := make([]int, len(ix.entries))
	scores := make([]float64, len(ix.entries))
	for i, e := range ix.entries {
		order[i] = i
		scores[i] = cosine(query, e.Vector, qn, ix.norms[i])
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	if k > len(order) {
		k = len(order)
	}
	results := make([]Result, k)
	for i := 0; i < k; i++ {
		results[i] = Result{Entry: ix.entries[order[i]], Score: float32(scores[order[i]])}
	}
	return results, nil
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Dimension returns D, or 0 for an index that has never seen a vector.
func (ix *Index) Dimension() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.meta.Dimension
}

// Meta returns a copy of the index metadata.
func (ix *Index) Meta() Meta {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.meta
}

// Close releases the backend.
func (ix *Index) Close() error {
	if ix.backend == nil {
		return nil
	}
	return ix.backend.Close()
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a, b []float32, na, nb float64) float64 {
	if na == 0 || nb == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb)
}
