// Package ingest runs the offline flow: documents are chunked, embedded in
// batches, added to the vector index and persisted once at the end.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/specdesk/internal/chunker"
	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/index"
	"github.com/felixgeelhaar/specdesk/internal/observe"
)

// Document is already-extracted text. It is not retained after indexing.
type Document struct {
	ID       string
	Text     string
	Source   string
	Metadata map[string]string
}

// Chunker splits one document.
type Chunker interface {
	Chunk(documentID, text string) ([]chunker.Chunk, error)
}

// BatchEmbedder embeds texts, one vector per text in order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is the write side of the vector index.
type Index interface {
	Add(entries ...index.Entry) error
	Persist(ctx context.Context) error
}

// Skipped records a document left out of the index.
type Skipped struct {
	DocumentID string
	Reason     string
}

// Report summarizes a run.
type Report struct {
	Documents int
	Indexed   int
	Chunks    int
	Skipped   []Skipped
	Elapsed   time.Duration
}

type Pipeline struct {
	chunker  Chunker
	embedder BatchEmbedder
	index    Index
	bus      *events.Bus
	obs      *observe.Observer
}

// New builds a Pipeline. bus may be nil.
func New(c Chunker, e BatchEmbedder, ix Index, bus *events.Bus, obs *observe.Observer) *Pipeline {
	if obs == nil {
		obs = observe.Discard()
	}
	return &Pipeline{chunker: c, embedder: e, index: ix, bus: bus, obs: obs}
}

// Run indexes docs. Documents that cannot be chunked are skipped and listed
// in the report. Any embedding or storage failure aborts the run before
// anything is persisted.
func (p *Pipeline) Run(ctx context.Context, docs []Document) (*Report, error) {
	ctx, span := p.obs.StartSpan(ctx, "Pipeline.Run")
	defer span.End()

	start := time.Now()
	report := &Report{Documents: len(docs)}

	var chunks []chunker.Chunk
	meta := make(map[string]map[string]string, len(docs))
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cs, err := p.chunker.Chunk(doc.ID, doc.Text)
		if err != nil {
			var chunkErr *chunker.Error
			if !errors.As(err, &chunkErr) {
				return nil, fmt.Errorf("chunk %s: %w", doc.ID, err)
			}
			p.obs.Log().Warn().Str("document", doc.ID).Str("reason", chunkErr.Reason).Msg("skipping document")
			p.bus.Publish("", events.EventDocumentSkipped, events.Fields{
				"document": doc.ID,
				"reason":   chunkErr.Reason,
			})
			report.Skipped = append(report.Skipped, Skipped{DocumentID: doc.ID, Reason: chunkErr.Reason})
			continue
		}
		meta[doc.ID] = entryMetadata(doc)
		chunks = append(chunks, cs...)
		report.Indexed++
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	p.obs.Log().Info().Int("documents", report.Indexed).Int("chunks", len(chunks)).Msg("embedding chunks")
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}

	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Text:       c.Text,
			Start:      c.Start,
			End:        c.End,
			Vector:     vecs[i],
			Metadata:   meta[c.DocumentID],
		}
	}
	if err := p.index.Add(entries...); err != nil {
		return nil, fmt.Errorf("add to index: %w", err)
	}
	if err := p.index.Persist(ctx); err != nil {
		return nil, err
	}

	report.Chunks = len(chunks)
	report.Elapsed = time.Since(start)
	p.bus.Publish("", events.EventIndexPersisted, events.Fields{
		"documents": report.Indexed,
		"chunks":    report.Chunks,
		"skipped":   len(report.Skipped),
	})
	p.obs.Log().Info().
		Int("documents", report.Indexed).
		Int("chunks", report.Chunks).
		Int("skipped", len(report.Skipped)).
		Msg("index persisted")
	return report, nil
}

func entryMetadata(doc Document) map[string]string {
	md := make(map[string]string, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		md[k] = v
	}
	if md["source"] == "" {
		md["source"] = doc.Source
	}
	if md["source"] == "" {
		md["source"] = doc.ID
	}
	return md
}
