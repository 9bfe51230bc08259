package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/felixgeelhaar/specdesk/internal/chunker"
	"github.com/felixgeelhaar/specdesk/internal/embedding"
	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/index"
	"github.com/felixgeelhaar/specdesk/internal/provider"
)

func newPipeline(t *testing.T, stub *provider.StubProvider, bus *events.Bus) (*Pipeline, *index.Index, string) {
	t.Helper()
	c, err := chunker.New(40, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "index.db")
	ix := index.New(index.NewSQLiteBackend(path), index.Options{Model: "stub"})
	t.Cleanup(func() { ix.Close() })
	emb := embedding.New(stub, nil, embedding.Options{Model: "stub", BatchSize: 3})
	return New(c, emb, ix, bus, nil), ix, path
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	stub := provider.NewStubProvider()
	bus := events.NewBus()
	var skippedEvents, persistedEvents int
	bus.Subscribe(func(events.Event) { skippedEvents++ }, events.EventDocumentSkipped)
	bus.Subscribe(func(events.Event) { persistedEvents++ }, events.EventIndexPersisted)

	p, ix, path := newPipeline(t, stub, bus)

	docs := []Document{
		{ID: "x1.txt", Text: "The X1 ships in black or white. The battery holds 5000mAh and charges over USB-C.", Metadata: map[string]string{"source": "phones/x1.txt"}},
		{ID: "blank.txt", Text: "   \n\t"},
		{ID: "broken.txt", Text: string([]byte{0xff, 0xfe, 'a'})},
		{ID: "case.txt", Text: "Fits the X1.", Source: "docs/case.txt"},
	}

	report, err := p.Run(ctx, docs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Documents != 4 || report.Indexed != 2 {
		t.Errorf("expected 4 documents with 2 indexed, got %+v", report)
	}
	if len(report.Skipped) != 2 || report.Skipped[0].DocumentID != "blank.txt" || report.Skipped[1].DocumentID != "broken.txt" {
		t.Errorf("unexpected skipped list %+v", report.Skipped)
	}
	if skippedEvents != 2 || persistedEvents != 1 {
		t.Errorf("expected 2 skipped and 1 persisted events, got %d and %d", skippedEvents, persistedEvents)
	}
	if report.Chunks != ix.Len() || report.Chunks < 3 {
		t.Errorf("expected chunk count to match index (%d), got %d", ix.Len(), report.Chunks)
	}
	// 3 chunks per provider call at most.
	if want := (report.Chunks + 2) / 3; stub.EmbedCalls() != want {
		t.Errorf("expected %d embed calls, got %d", want, stub.EmbedCalls())
	}

	reopened, err := index.Open(ctx, index.NewSQLiteBackend(path), index.Options{Model: "stub"})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if reopened.Len() != report.Chunks {
		t.Errorf("persisted %d entries, expected %d", reopened.Len(), report.Chunks)
	}

	vec, _ := stub.Embed(ctx, []string{"Fits the X1."})
	results, err := reopened.Search(vec[0], 1)
	if err != nil {
		t.Fatal(err)
	}
	got := results[0].Entry
	if got.ChunkID != "case.txt#0" || got.Metadata["source"] != "docs/case.txt" {
		t.Errorf("unexpected top entry %+v", got)
	}
}

func TestRun_ProviderErrorPersistsNothing(t *testing.T) {
	stub := provider.NewStubProvider()
	stub.EmbedErr = &provider.Error{Provider: "stub", Op: "embed", Attempts: 1, Err: errors.New("unavailable")}
	p, ix, path := newPipeline(t, stub, nil)

	_, err := p.Run(context.Background(), []Document{{ID: "a", Text: "some product text"}})
	if !provider.IsProviderError(err) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if ix.Len() != 0 {
		t.Errorf("nothing should be added on failure, got %d entries", ix.Len())
	}
	if _, err := index.Open(context.Background(), index.NewSQLiteBackend(path), index.Options{}); !errors.Is(err, index.ErrIndexNotFound) {
		t.Errorf("expected no persisted index, got %v", err)
	}
}

func TestRun_Canceled(t *testing.T) {
	p, _, _ := newPipeline(t, provider.NewStubProvider(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Run(ctx, []Document{{ID: "a", Text: "text"}}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestEntryMetadata(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want string
	}{
		{"metadata wins", Document{ID: "a", Source: "s", Metadata: map[string]string{"source": "m"}}, "m"},
		{"source next", Document{ID: "a", Source: "s"}, "s"},
		{"id last", Document{ID: "a"}, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entryMetadata(tt.doc)["source"]; got != tt.want {
				t.Errorf("source = %q, want %q", got, tt.want)
			}
		})
	}
}
