package rag

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/felixgeelhaar/specdesk/internal/chunker"
	"github.com/felixgeelhaar/specdesk/internal/composer"
	"github.com/felixgeelhaar/specdesk/internal/config"
	"github.com/felixgeelhaar/specdesk/internal/embedding"
	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/index"
	"github.com/felixgeelhaar/specdesk/internal/memory"
	"github.com/felixgeelhaar/specdesk/internal/provider"
	"github.com/felixgeelhaar/specdesk/internal/retriever"
)

var testReplies = Replies{
	InsufficientInfo:  "I could not find that in our documents.",
	Fallback:          "The assistant is unavailable right now.",
	ShortCircuitEmpty: true,
}

type harness struct {
	engine *Engine
	stub   *provider.StubProvider
	mem    *memory.Manager
	ix     *index.Index
	bus    *events.Bus
	seen   []events.EventType
	mu     sync.Mutex
}

func newHarness(t *testing.T, texts ...string) *harness {
	t.Helper()
	h := &harness{stub: provider.NewStubProvider(), bus: events.NewBus()}
	h.bus.Subscribe(func(e events.Event) {
		h.mu.Lock()
		h.seen = append(h.seen, e.Type)
		h.mu.Unlock()
	})

	emb := embedding.New(h.stub, nil, embedding.Options{Model: "stub"})
	h.ix = index.New(nil, index.Options{Model: "stub"})
	if len(texts) > 0 {
		vecs, err := emb.EmbedBatch(context.Background(), texts)
		if err != nil {
			t.Fatalf("embed corpus: %v", err)
		}
		for i, text := range texts {
			if err := h.ix.Add(index.Entry{ChunkID: chunker.ChunkID("doc", i), DocumentID: "doc", Text: text, Vector: vecs[i]}); err != nil {
				t.Fatalf("add entry: %v", err)
			}
		}
	}

	h.mem = memory.NewManager(h.stub, memory.NewInMemoryStore(), memory.Options{Bus: h.bus})
	r := retriever.New(emb, h.ix, retriever.DefaultK, nil)
	c := composer.New(h.stub, h.mem, composer.Template{Instruction: "Answer from the material only.", Language: "English"}, nil)
	h.engine = New(r, c, testReplies, h.bus, nil)
	return h
}

func (h *harness) saw(ev events.EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.seen {
		if e == ev {
			return true
		}
	}
	return false
}

func TestAnswer_EmptyCorpus(t *testing.T) {
	h := newHarness(t)

	answer, err := h.engine.Answer(context.Background(), "u1", "How much does it weigh?")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if answer != testReplies.InsufficientInfo {
		t.Errorf("expected insufficient-information reply, got %q", answer)
	}
	if len(h.stub.ChatCalls()) != 0 {
		t.Errorf("generation should be skipped on empty context, got %d calls", len(h.stub.ChatCalls()))
	}
	if !h.saw(events.EventContextEmpty) {
		t.Error("expected context_empty event")
	}

	snap, _ := h.mem.Snapshot(context.Background(), "u1")
	if len(snap.Pending) != 1 || snap.Pending[0].Answer != testReplies.InsufficientInfo {
		t.Errorf("short-circuited turn should still be recorded, got %+v", snap.Pending)
	}
}

func TestAnswer_EmptyCorpusWithoutShortCircuit(t *testing.T) {
	h := newHarness(t)
	h.engine.replies.ShortCircuitEmpty = false

	answer, err := h.engine.Answer(context.Background(), "u1", "anything?")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if !strings.HasPrefix(answer, "stub answer:") {
		t.Errorf("expected a generated answer, got %q", answer)
	}
}

func TestAnswer_SingleChunk(t *testing.T) {
	h := newHarness(t, "The phone ships in black or white.")
	ctx := context.Background()

	answer, err := h.engine.Answer(ctx, "u1", "what colors are available")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if !strings.Contains(answer, "black") || !strings.Contains(answer, "white") {
		t.Errorf("answer should reference the retrieved chunk, got %q", answer)
	}

	calls := h.stub.ChatCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 generation call, got %d", len(calls))
	}
	if !strings.Contains(calls[0][0].Content, "ships in black or white") {
		t.Errorf("retrieved chunk missing from prompt: %q", calls[0][0].Content)
	}

	snap, _ := h.mem.Snapshot(ctx, "u1")
	if len(snap.Pending) != 1 {
		t.Fatalf("expected one turn, got %d", len(snap.Pending))
	}
	if snap.Pending[0].Question != "what colors are available" || snap.Pending[0].Answer != answer {
		t.Errorf("unexpected turn %+v", snap.Pending[0])
	}
	if !h.saw(events.EventAnswerEnd) || !h.saw(events.EventRetrieval) {
		t.Error("expected retrieval and answer_end events")
	}
}

func TestAnswer_FollowUpSeesHistory(t *testing.T) {
	h := newHarness(t, "The phone ships in black or white.", "The battery holds 5000mAh.")
	ctx := context.Background()

	if _, err := h.engine.Answer(ctx, "u1", "what colors are available"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Answer(ctx, "u1", "and the battery?"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Answer(ctx, "u2", "battery?"); err != nil {
		t.Fatal(err)
	}

	calls := h.stub.ChatCalls()
	if !strings.Contains(calls[1][0].Content, "Customer: what colors are available") {
		t.Errorf("second turn should carry the first turn as history: %q", calls[1][0].Content)
	}
	if strings.Contains(calls[2][0].Content, "Customer:") {
		t.Errorf("another session must not see u1's history: %q", calls[2][0].Content)
	}
}

func TestAnswer_ProviderFailureFallsBack(t *testing.T) {
	t.Run("generation", func(t *testing.T) {
		h := newHarness(t, "The phone ships in black or white.")
		h.stub.ChatErr = &provider.Error{Provider: "stub", Op: "chat", Attempts: 4, Err: errors.New("503 from upstream")}

		answer, err := h.engine.Answer(context.Background(), "u1", "colors?")
		if err != nil {
			t.Fatalf("provider failure should not surface, got %v", err)
		}
		if answer != testReplies.Fallback {
			t.Errorf("expected fallback reply, got %q", answer)
		}
		if strings.Contains(answer, "503") {
			t.Error("fallback must not leak provider details")
		}
		if !h.saw(events.EventAnswerFallback) {
			t.Error("expected answer_fallback event")
		}
		snap, _ := h.mem.Snapshot(context.Background(), "u1")
		if len(snap.Pending) != 0 {
			t.Errorf("failed turn should not be recorded, got %d", len(snap.Pending))
		}
	})

	t.Run("retrieval embedding", func(t *testing.T) {
		h := newHarness(t, "The phone ships in black or white.")
		h.stub.EmbedErr = &provider.Error{Provider: "stub", Op: "embed", Attempts: 4, Err: errors.New("timeout")}

		answer, err := h.engine.Answer(context.Background(), "u1", "a question never asked before")
		if err != nil {
			t.Fatalf("provider failure should not surface, got %v", err)
		}
		if answer != testReplies.Fallback {
			t.Errorf("expected fallback reply, got %q", answer)
		}
	})
}

func TestAnswer_InvalidInput(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name, session, question string
	}{
		{"empty session", "", "q"},
		{"empty question", "u1", ""},
		{"blank question", "u1", "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.engine.Answer(context.Background(), tt.session, tt.question); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestAnswer_Canceled(t *testing.T) {
	h := newHarness(t, "The phone ships in black or white.")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.engine.Answer(ctx, "u1", "colors?"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAnswer_ConcurrentSessions(t *testing.T) {
	h := newHarness(t, "The phone ships in black or white.", "The battery holds 5000mAh.")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := h.engine.Answer(ctx, id, "battery?"); err != nil {
					t.Errorf("session %s: %v", id, err)
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []string{"a", "b", "c", "d"} {
		snap, _ := h.mem.Snapshot(ctx, id)
		if len(snap.Pending)+snap.Compactions == 0 {
			t.Errorf("session %s recorded nothing", id)
		}
		if len(snap.Pending) > 5 {
			t.Errorf("session %s has turns from other sessions: %d", id, len(snap.Pending))
		}
	}
}

func stubConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Generation = config.ProviderConfig{Type: "stub", Model: "stub"}
	cfg.Embedding.ProviderConfig = config.ProviderConfig{Type: "stub", Model: "stub"}
	cfg.Index.Path = filepath.Join(cfg.DataDir, "vector", "index.db")
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	cfg := stubConfig(t)

	if _, err := Open(ctx, cfg, Deps{}); !errors.Is(err, index.ErrIndexNotFound) {
		t.Fatalf("expected ErrIndexNotFound before the index is built, got %v", err)
	}

	emb, err := NewEmbedder(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	vecs, err := emb.EmbedBatch(ctx, []string{"The phone ships in black or white."})
	if err != nil {
		t.Fatal(err)
	}
	backend, _ := index.NewBackend(cfg.Index.Backend, cfg.Index.Path)
	ix := index.New(backend, index.Options{Dimension: len(vecs[0]), Model: cfg.Embedding.Model})
	ix.Add(index.Entry{ChunkID: "spec#0", DocumentID: "spec", Text: "The phone ships in black or white.", Vector: vecs[0]})
	if err := ix.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	ix.Close()

	engine, err := Open(ctx, cfg, Deps{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer engine.Close()

	answer, err := engine.Answer(ctx, "u1", "what colors are available")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if !strings.Contains(answer, "black or white") {
		t.Errorf("unexpected answer %q", answer)
	}
	if engine.Memory() == nil {
		t.Error("expected memory to be exposed")
	}
	if n := len(engine.closers); n != 3 {
		t.Errorf("expected chat, embedder and index closers, got %d", n)
	}
}

func TestOpen_ModelMismatchIsCorrupt(t *testing.T) {
	ctx := context.Background()
	cfg := stubConfig(t)

	backend, _ := index.NewBackend(cfg.Index.Backend, cfg.Index.Path)
	ix := index.New(backend, index.Options{Dimension: 2, Model: "another-model"})
	ix.Add(index.Entry{ChunkID: "x#0", Text: "x", Vector: []float32{1, 0}})
	if err := ix.Persist(ctx); err != nil {
		t.Fatal(err)
	}
	ix.Close()

	var corrupt *index.CorruptError
	if _, err := Open(ctx, cfg, Deps{}); !errors.As(err, &corrupt) {
		t.Fatalf("expected *index.CorruptError, got %v", err)
	}
}

func TestNewChatModel_APIKeyResolution(t *testing.T) {
	cfg := config.Default()
	cfg.Generation = config.ProviderConfig{Type: "openai", Model: "gpt-4o-mini", APIKeyEnv: "SPECDESK_TEST_OPENAI_KEY"}
	t.Setenv("SPECDESK_TEST_OPENAI_KEY", "")

	if _, err := NewChatModel(cfg, nil); err == nil {
		t.Error("expected an error when no API key is available")
	}

	var asked string
	secrets := func(key string) (string, error) {
		asked = key
		return "sk-stored", nil
	}
	m, err := NewChatModel(cfg, secrets)
	if err != nil {
		t.Fatalf("stored key should satisfy the provider: %v", err)
	}
	if asked != "openai.api_key" {
		t.Errorf("expected lookup of openai.api_key, got %q", asked)
	}
	if m.Name() != "openai" {
		t.Errorf("expected openai model, got %s", m.Name())
	}
}
