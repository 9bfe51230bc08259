// Package memory keeps a bounded, periodically summarized record of each
// session's dialogue.
//
// A session moves from empty to accumulating as turns arrive. Once the token
// estimate of its pending turns exceeds the configured limit, the pending
// turns and the prior summary are folded into a new summary by a blocking
// model call (summarizing), after which the session is compacted until the
// next turn. All transitions for one session are serialized; sessions never
// share state.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/observe"
	"github.com/felixgeelhaar/specdesk/internal/provider"
)

// Phase is the lifecycle state of a session's memory.
type Phase string

const (
	PhaseEmpty        Phase = "empty"
	PhaseAccumulating Phase = "accumulating"
	PhaseSummarizing  Phase = "summarizing"
	PhaseCompacted    Phase = "compacted"
)

var (
	// ErrSessionNotFound is returned by stores for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrEmptySessionID is returned for a blank session ID.
	ErrEmptySessionID = errors.New("session id is empty")
)

// OverflowError reports that summarization failed and the oldest pending
// turns were dropped to respect the hard cap. It never stops an answer.
type OverflowError struct {
	SessionID string
	Dropped   int
	Cause     error
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("memory overflow for session %s: dropped %d oldest turn(s): %v", e.SessionID, e.Dropped, e.Cause)
}

func (e *OverflowError) Unwrap() error { return e.Cause }

// Turn is one question and its answer.
type Turn struct {
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	At       time.Time `json:"at"`
}

// Session is the memory state of one conversation.
type Session struct {
	ID          string    `json:"id"`
	Phase       Phase     `json:"phase"`
	Summary     string    `json:"summary,omitempty"`
	Pending     []Turn    `json:"pending,omitempty"`
	Archive     []Turn    `json:"archive,omitempty"`
	Compactions int       `json:"compactions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Pending = append([]Turn(nil), s.Pending...)
	c.Archive = append([]Turn(nil), s.Archive...)
	return &c
}

// PendingTokens estimates the token count of the pending turns.
func (s *Session) PendingTokens() int {
	total := 0
	for _, t := range s.Pending {
		total += t.Tokens()
	}
	return total
}

// Tokens estimates the token count of a turn.
func (t Turn) Tokens() int {
	return EstimateTokens(t.Question) + EstimateTokens(t.Answer)
}

// Store persists sessions.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// PurgeBefore deletes sessions not updated since t.
	PurgeBefore(ctx context.Context, t time.Time) (int, error)
}

// Options configure a Manager.
type Options struct {
	MaxTokenLimit   int
	MaxPendingTurns int
	MaxArchiveTurns int
	Policy          Policy
	Bus             *events.Bus
	Observer        *observe.Observer
}

// Manager owns every session's memory.
type Manager struct {
	gen   provider.ChatModel
	store Store
	opts  Options
	locks *keyedMutex
	obs   *observe.Observer
}

// NewManager builds a Manager. gen is the summarization model.
func NewManager(gen provider.ChatModel, store Store, opts Options) *Manager {
	if opts.MaxTokenLimit <= 0 {
		opts.MaxTokenLimit = 1500
	}
	if opts.MaxPendingTurns <= 0 {
		opts.MaxPendingTurns = 40
	}
	if opts.MaxArchiveTurns <= 0 {
		opts.MaxArchiveTurns = 200
	}
	if opts.Policy == nil {
		opts.Policy = Incremental{}
	}
	if opts.Observer == nil {
		opts.Observer = observe.Discard()
	}
	return &Manager{
		gen:   gen,
		store: store,
		opts:  opts,
		locks: newKeyedMutex(),
		obs:   opts.Observer,
	}
}

// Snapshot returns a copy of the session, or a fresh empty one.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	unlock, err := m.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// History renders the summary and pending turns for a prompt. It is empty
// for a new session.
func (m *Manager) History(ctx context.Context, sessionID string) (string, error) {
	s, err := m.Snapshot(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return RenderHistory(s), nil
}

// RenderHistory formats a session for inclusion in a prompt.
func RenderHistory(s *Session) string {
	var b strings.Builder
	if s.Summary != "" {
		b.WriteString("Summary of earlier conversation:\n")
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	if len(s.Pending) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		writeTurns(&b, s.Pending)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeTurns(b *strings.Builder, turns []Turn) {
	for _, t := range turns {
		fmt.Fprintf(b, "Customer: %s\nAssistant: %s\n", t.Question, t.Answer)
	}
}

// Record appends a turn and compacts the session when its pending turns
// exceed the token limit. A returned *OverflowError means the turn was kept
// but older ones were dropped; callers should log it and carry on.
func (m *Manager) Record(ctx context.Context, sessionID string, turn Turn) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	ctx, span := m.obs.StartSpan(ctx, "Memory.Record")
	defer span.End()

	unlock, err := m.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}

	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	s.Pending = append(s.Pending, turn)
	m.transition(s, PhaseAccumulating)

	var overflow *OverflowError
	if tokens := s.PendingTokens(); tokens > m.opts.MaxTokenLimit {
		overflow = m.compact(ctx, s, tokens)
	}

	s.UpdatedAt = time.Now().UTC()
	if err := m.store.Save(ctx, s); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	if overflow != nil {
		return overflow
	}
	return nil
}

// compact folds the pending turns into the summary. On failure it enforces
// the hard cap and returns the resulting overflow, if any.
func (m *Manager) compact(ctx context.Context, s *Session, tokens int) *OverflowError {
	log := m.obs.Log().With().Str("session", s.ID).Logger()
	m.transition(s, PhaseSummarizing)
	log.Info().Int("pending_tokens", tokens).Int("pending_turns", len(s.Pending)).Str("policy", m.opts.Policy.Name()).Msg("summarizing memory")

	summary, err := m.summarize(ctx, s)
	if err == nil {
		if m.opts.Policy.KeepsArchive() {
			s.Archive = append(s.Archive, s.Pending...)
			if extra := len(s.Archive) - m.opts.MaxArchiveTurns; extra > 0 {
				s.Archive = s.Archive[extra:]
			}
		}
		s.Summary = summary
		s.Pending = nil
		s.Compactions++
		m.transition(s, PhaseCompacted)
		return nil
	}

	log.Warn().Err(err).Msg("summarization failed, keeping raw turns")
	m.transition(s, PhaseAccumulating)

	extra := len(s.Pending) - m.opts.MaxPendingTurns
	if extra <= 0 {
		return nil
	}
	s.Pending = append([]Turn(nil), s.Pending[extra:]...)
	m.opts.Bus.Publish(s.ID, events.EventMemoryOverflow, events.Fields{"dropped": extra})
	return &OverflowError{SessionID: s.ID, Dropped: extra, Cause: err}
}

func (m *Manager) summarize(ctx context.Context, s *Session) (string, error) {
	resp, err := m.gen.Chat(ctx, m.opts.Policy.Prompt(s))
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", errors.New("summarization returned an empty summary")
	}
	return summary, nil
}

func (m *Manager) transition(s *Session, to Phase) {
	if s.Phase == to {
		return
	}
	s.Phase = to
	var ev events.EventType
	switch to {
	case PhaseAccumulating:
		ev = events.EventMemoryAccumulating
	case PhaseSummarizing:
		ev = events.EventMemorySummarizing
	case PhaseCompacted:
		ev = events.EventMemoryCompacted
	default:
		return
	}
	m.opts.Bus.Publish(s.ID, ev, events.Fields{
		"pending_turns": len(s.Pending),
		"compactions":   s.Compactions,
	})
}

// Reset discards a session's memory.
func (m *Manager) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	unlock, err := m.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}
	m.opts.Bus.Publish(sessionID, events.EventMemoryReset, nil)
	return nil
}

// Purge deletes sessions idle for longer than ttl.
func (m *Manager) Purge(ctx context.Context, ttl time.Duration) (int, error) {
	n, err := m.store.PurgeBefore(ctx, time.Now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.obs.Log().Info().Int("sessions", n).Msg("purged idle sessions")
	}
	return n, nil
}

func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		now := time.Now().UTC()
		return &Session{ID: id, Phase: PhaseEmpty, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return s, nil
}
