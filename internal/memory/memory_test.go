package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/provider"
)

// echoSummarizer returns the lines of conversation it was given, which lets
// tests see exactly which turns were folded into a summary.
type echoSummarizer struct {
	inFlight    int32
	maxInFlight int32
	calls       int32
	delay       time.Duration
}

func (e *echoSummarizer) Name() string { return "echo" }

func (e *echoSummarizer) Chat(ctx context.Context, messages []provider.Message) (*provider.Response, error) {
	n := atomic.AddInt32(&e.inFlight, 1)
	defer atomic.AddInt32(&e.inFlight, -1)
	for {
		max := atomic.LoadInt32(&e.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&e.maxInFlight, max, n) {
			break
		}
	}
	atomic.AddInt32(&e.calls, 1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	var qs []string
	for _, line := range strings.Split(messages[len(messages)-1].Content, "\n") {
		if strings.HasPrefix(line, "Customer: ") {
			qs = append(qs, strings.TrimPrefix(line, "Customer: "))
		}
	}
	return &provider.Response{Content: "discussed " + strings.Join(qs, ", ")}, nil
}

func longAnswer(words int) string {
	return strings.TrimSpace(strings.Repeat("spec ", words))
}

func TestEstimateTokens(t *testing.T) {
	testCases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"the battery lasts ten hours", 5},
		{"電池續航", 5},
		{"X100 重量 1.2 kg", 4 + 2},
	}
	for _, tc := range testCases {
		if got := EstimateTokens(tc.text); got != tc.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestRecord_PhasesAndCompaction(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	var compacted int32
	bus.Subscribe(func(e events.Event) {
		atomic.AddInt32(&compacted, 1)
	}, events.EventMemoryCompacted)

	m := NewManager(&echoSummarizer{}, NewInMemoryStore(), Options{MaxTokenLimit: 30, Bus: bus})

	s, _ := m.Snapshot(ctx, "s1")
	if s.Phase != PhaseEmpty {
		t.Fatalf("expected empty phase, got %s", s.Phase)
	}

	if err := m.Record(ctx, "s1", Turn{Question: "weight?", Answer: "1.2 kg"}); err != nil {
		t.Fatal(err)
	}
	s, _ = m.Snapshot(ctx, "s1")
	if s.Phase != PhaseAccumulating || len(s.Pending) != 1 {
		t.Fatalf("expected accumulating with 1 turn, got %s with %d", s.Phase, len(s.Pending))
	}

	if err := m.Record(ctx, "s1", Turn{Question: "colors?", Answer: longAnswer(40)}); err != nil {
		t.Fatal(err)
	}
	s, _ = m.Snapshot(ctx, "s1")
	if s.Phase != PhaseCompacted {
		t.Fatalf("expected compacted, got %s", s.Phase)
	}
	if len(s.Pending) != 0 || s.Compactions != 1 {
		t.Errorf("expected pending folded, got %d pending, %d compactions", len(s.Pending), s.Compactions)
	}
	if s.Summary != "discussed weight?, colors?" {
		t.Errorf("unexpected summary %q", s.Summary)
	}
	if atomic.LoadInt32(&compacted) != 1 {
		t.Errorf("expected one compacted event, got %d", compacted)
	}

	m.Record(ctx, "s1", Turn{Question: "size?", Answer: "30 cm"})
	s, _ = m.Snapshot(ctx, "s1")
	if s.Phase != PhaseAccumulating {
		t.Errorf("expected accumulating after compaction, got %s", s.Phase)
	}
}

func TestRecord_TwentyTurnsCompactUnderLimit(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&echoSummarizer{}, NewInMemoryStore(), Options{MaxTokenLimit: 1500})

	sawCompacted := false
	for i := 0; i < 20; i++ {
		turn := Turn{Question: fmt.Sprintf("question %d about the X100?", i), Answer: longAnswer(150)}
		if err := m.Record(ctx, "c", turn); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		s, _ := m.Snapshot(ctx, "c")
		if s.Phase == PhaseCompacted {
			sawCompacted = true
			if tokens := s.PendingTokens(); tokens >= 1500 {
				t.Errorf("turn %d: post-compaction pending tokens %d", i, tokens)
			}
		}
		if tokens := s.PendingTokens(); tokens > 1500+turn.Tokens() {
			t.Errorf("turn %d: pending tokens %d exceed limit plus one turn", i, tokens)
		}
	}
	if !sawCompacted {
		t.Fatal("expected the session to be compacted at least once")
	}
}

func TestRecord_SessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&echoSummarizer{}, NewInMemoryStore(), Options{MaxTokenLimit: 20})

	for i := 0; i < 6; i++ {
		m.Record(ctx, "alice", Turn{Question: fmt.Sprintf("alice-q%d", i), Answer: longAnswer(8)})
		m.Record(ctx, "bob", Turn{Question: fmt.Sprintf("bob-q%d", i), Answer: longAnswer(8)})
	}

	a, _ := m.Snapshot(ctx, "alice")
	b, _ := m.Snapshot(ctx, "bob")
	if strings.Contains(a.Summary+RenderHistory(a), "bob-") {
		t.Errorf("alice's memory mentions bob: %q", RenderHistory(a))
	}
	if strings.Contains(b.Summary+RenderHistory(b), "alice-") {
		t.Errorf("bob's memory mentions alice: %q", RenderHistory(b))
	}
	if a.Compactions == 0 || b.Compactions == 0 {
		t.Error("expected both sessions to compact")
	}
}

func TestRecord_OverflowDropsOldest(t *testing.T) {
	ctx := context.Background()
	stub := provider.NewStubProvider()
	stub.ChatErr = errors.New("model unavailable")
	bus := events.NewBus()
	var overflowEvents int32
	bus.Subscribe(func(e events.Event) {
		atomic.AddInt32(&overflowEvents, 1)
	}, events.EventMemoryOverflow)

	m := NewManager(stub, NewInMemoryStore(), Options{MaxTokenLimit: 5, MaxPendingTurns: 3, Bus: bus})

	var overflows int
	for i := 0; i < 5; i++ {
		err := m.Record(ctx, "s", Turn{Question: fmt.Sprintf("q%d", i), Answer: "some answer text here"})
		var of *OverflowError
		if errors.As(err, &of) {
			overflows++
			if of.Dropped != 1 {
				t.Errorf("expected 1 dropped turn, got %d", of.Dropped)
			}
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if overflows != 2 || atomic.LoadInt32(&overflowEvents) != 2 {
		t.Errorf("expected 2 overflows, got %d (events %d)", overflows, overflowEvents)
	}
	s, _ := m.Snapshot(ctx, "s")
	if len(s.Pending) != 3 {
		t.Fatalf("expected 3 retained turns, got %d", len(s.Pending))
	}
	if s.Pending[0].Question != "q2" || s.Pending[2].Question != "q4" {
		t.Errorf("expected newest turns kept, got %+v", s.Pending)
	}
	if s.Phase != PhaseAccumulating {
		t.Errorf("expected accumulating after failed summarization, got %s", s.Phase)
	}
}

func TestRecord_SummarizationFailureKeepsTurns(t *testing.T) {
	ctx := context.Background()
	stub := provider.NewStubProvider()
	stub.ChatErr = errors.New("timeout")
	m := NewManager(stub, NewInMemoryStore(), Options{MaxTokenLimit: 5, MaxPendingTurns: 10})

	for i := 0; i < 4; i++ {
		if err := m.Record(ctx, "s", Turn{Question: "q", Answer: "a long enough answer"}); err != nil {
			t.Fatalf("unexpected error below the hard cap: %v", err)
		}
	}
	s, _ := m.Snapshot(ctx, "s")
	if len(s.Pending) != 4 || s.Summary != "" {
		t.Errorf("expected 4 raw turns and no summary, got %d and %q", len(s.Pending), s.Summary)
	}
}

func TestRecord_SerializesPerSession(t *testing.T) {
	ctx := context.Background()
	summarizer := &echoSummarizer{delay: 5 * time.Millisecond}
	m := NewManager(summarizer, NewInMemoryStore(), Options{MaxTokenLimit: 15, MaxPendingTurns: 1000})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := m.Record(ctx, "shared", Turn{Question: fmt.Sprintf("w%d-%d", w, i), Answer: longAnswer(10)}); err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	wg.Wait()

	if max := atomic.LoadInt32(&summarizer.maxInFlight); max != 1 {
		t.Errorf("expected summarizations for one session to be serialized, saw %d concurrent", max)
	}
	if m.locks.size() != 0 {
		t.Errorf("expected lock table to drain, %d entries left", m.locks.size())
	}
}

func TestRecord_NoTurnsLostWithoutCompaction(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&echoSummarizer{}, NewInMemoryStore(), Options{MaxTokenLimit: 1 << 20, MaxPendingTurns: 1000})

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				m.Record(ctx, "s", Turn{Question: "q", Answer: "a"})
			}
		}()
	}
	wg.Wait()

	s, _ := m.Snapshot(ctx, "s")
	if len(s.Pending) != 200 {
		t.Errorf("expected 200 turns, got %d", len(s.Pending))
	}
}

func TestFullHistoryPolicy_UsesArchive(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&echoSummarizer{}, NewInMemoryStore(), Options{MaxTokenLimit: 20, Policy: FullHistory{}, MaxArchiveTurns: 3})

	for i := 0; i < 6; i++ {
		m.Record(ctx, "s", Turn{Question: fmt.Sprintf("q%d", i), Answer: longAnswer(15)})
	}
	s, _ := m.Snapshot(ctx, "s")
	if s.Compactions < 2 {
		t.Fatalf("expected repeated compaction, got %d", s.Compactions)
	}
	if len(s.Archive) > 3 {
		t.Errorf("archive exceeds bound: %d", len(s.Archive))
	}
	// q2 was already archived when the last summary was built.
	if !strings.Contains(s.Summary, "q2") {
		t.Errorf("expected summary to cover archived turns, got %q", s.Summary)
	}
}

func TestPolicyByName(t *testing.T) {
	if PolicyByName("full").Name() != "full" {
		t.Error("expected full policy")
	}
	if PolicyByName("incremental").Name() != "incremental" || PolicyByName("").Name() != "incremental" {
		t.Error("expected incremental default")
	}
}

func TestIncrementalPrompt_IncludesPriorSummary(t *testing.T) {
	msgs := Incremental{}.Prompt(&Session{
		Summary: "customer asked about the X100 weight",
		Pending: []Turn{{Question: "and the colors?", Answer: "black or white"}},
	})
	body := msgs[len(msgs)-1].Content
	for _, want := range []string{"X100 weight", "Customer: and the colors?", "Assistant: black or white"} {
		if !strings.Contains(body, want) {
			t.Errorf("prompt missing %q:\n%s", want, body)
		}
	}
}

func TestHistoryAndReset(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&echoSummarizer{}, NewInMemoryStore(), Options{})

	h, err := m.History(ctx, "s")
	if err != nil || h != "" {
		t.Fatalf("expected empty history, got %q, %v", h, err)
	}
	m.Record(ctx, "s", Turn{Question: "weight?", Answer: "1.2 kg"})
	h, _ = m.History(ctx, "s")
	if h != "Customer: weight?\nAssistant: 1.2 kg" {
		t.Errorf("unexpected history %q", h)
	}

	if err := m.Reset(ctx, "s"); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(ctx, "never-seen"); err != nil {
		t.Errorf("reset of unknown session should succeed: %v", err)
	}
	h, _ = m.History(ctx, "s")
	if h != "" {
		t.Errorf("expected empty history after reset, got %q", h)
	}
}

func TestEmptySessionID(t *testing.T) {
	m := NewManager(&echoSummarizer{}, NewInMemoryStore(), Options{})
	if err := m.Record(context.Background(), "", Turn{}); !errors.Is(err, ErrEmptySessionID) {
		t.Errorf("expected ErrEmptySessionID, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	m := NewManager(&echoSummarizer{}, store, Options{})

	store.Save(ctx, &Session{ID: "old", UpdatedAt: time.Now().Add(-48 * time.Hour)})
	m.Record(ctx, "fresh", Turn{Question: "q", Answer: "a"})

	n, err := m.Purge(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged session, got %d, %v", n, err)
	}
	if _, err := store.Load(ctx, "old"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expected old session to be gone")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "s")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "s"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	other, err := k.Lock(context.Background(), "other")
	if err != nil {
		t.Fatalf("independent keys must not block: %v", err)
	}
	other()
	unlock()

	if k.size() != 0 {
		t.Errorf("expected empty lock table, got %d", k.size())
	}
}
