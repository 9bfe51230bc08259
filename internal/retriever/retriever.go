// Package retriever turns a question into the most similar indexed passages.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/specdesk/internal/index"
	"github.com/felixgeelhaar/specdesk/internal/observe"
)

// DefaultK is the number of passages fetched per question.
const DefaultK = 8

// ErrEmptyQuestion is returned for a blank question.
var ErrEmptyQuestion = errors.New("question is empty")

// QueryEmbedder embeds a single query text.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(query []float32, k int) ([]index.Result, error)
}

// Passage is a retrieved chunk.
type Passage struct {
	ChunkID    string
	DocumentID string
	Text       string
	Score      float32
	Source     string
}

// Query is the ephemeral record of one retrieval.
type Query struct {
	Text     string
	Vector   []float32
	Passages []Passage
}

// Texts returns the passage texts in similarity order.
func (q *Query) Texts() []string {
	out := make([]string, len(q.Passages))
	for i, p := range q.Passages {
		out[i] = p.Text
	}
	return out
}

// Retriever is stateless and safe for concurrent use.
type Retriever struct {
	embedder QueryEmbedder
	index    Searcher
	k        int
	obs      *observe.Observer
}

func New(embedder QueryEmbedder, ix Searcher, k int, obs *observe.Observer) *Retriever {
	if k <= 0 {
		k = DefaultK
	}
	if obs == nil {
		obs = observe.Discard()
	}
	return &Retriever{embedder: embedder, index: ix, k: k, obs: obs}
}

// Retrieve embeds question and returns up to k distinct passages, best first.
// Embedding failures are returned unchanged so callers can recognise them.
func (r *Retriever) Retrieve(ctx context.Context, question string) (*Query, error) {
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	ctx, span := r.obs.StartSpan(ctx, "Retriever.Retrieve")
	defer span.End()

	vec, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	results, err := r.index.Search(vec, r.k)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	q := &Query{Text: question, Vector: vec}
	seen := make(map[string]struct{}, len(results))
	for _, res := range results {
		if _, dup := seen[res.Entry.ChunkID]; dup {
			continue
		}
		seen[res.Entry.ChunkID] = struct{}{}
		q.Passages = append(q.Passages, Passage{
			ChunkID:    res.Entry.ChunkID,
			DocumentID: res.Entry.DocumentID,
			Text:       res.Entry.Text,
			Score:      res.Score,
			Source:     res.Entry.Metadata["source"],
		})
	}

	r.obs.Log().Debug().Int("hits", len(results)).Int("passages", len(q.Passages)).Msg("retrieved passages")
	return q, nil
}
