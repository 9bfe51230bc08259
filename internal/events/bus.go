// Package events is a small in-process publish/subscribe bus used to observe
// conversation memory transitions, ingestion and the answer lifecycle.
package events

import (
	"sync"
	"time"
)

// EventType names something that happened inside the engine.
type EventType string

const (
	EventAnswerStart        EventType = "answer_start"
	EventAnswerEnd          EventType = "answer_end"
	EventAnswerFallback     EventType = "answer_fallback"
	EventContextEmpty       EventType = "context_empty"
	EventRetrieval          EventType = "retrieval"
	EventMemoryAccumulating EventType = "memory_accumulating"
	EventMemorySummarizing  EventType = "memory_summarizing"
	EventMemoryCompacted    EventType = "memory_compacted"
	EventMemoryOverflow     EventType = "memory_overflow"
	EventMemoryReset        EventType = "memory_reset"
	EventIndexPersisted     EventType = "index_persisted"
	EventDocumentSkipped    EventType = "document_skipped"
)

// Fields carries event details such as chunk counts or the reason a document
// was skipped.
type Fields map[string]any

// Event is one published occurrence. SessionID is empty for ingestion events.
type Event struct {
	Type      EventType
	SessionID string
	Time      time.Time
	Fields    Fields
}

// Int returns an integer field, or 0 when it is absent or not an int.
func (e Event) Int(key string) int {
	n, _ := e.Fields[key].(int)
	return n
}

// Str returns a string field, or "" when it is absent or not a string.
func (e Event) Str(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Handler receives events. Handlers run on the publishing goroutine, so the
// terminal UI hands them off instead of blocking an answer.
type Handler func(Event)

type subscription struct {
	id    uint64
	types map[EventType]bool
	fn    Handler
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. A nil *Bus accepts and drops every
// event, so components can be built without one.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for the given types, or for every type when none
// are given. The returned func removes the subscription.
func (b *Bus) Subscribe(fn Handler, types ...EventType) (unsubscribe func()) {
	sub := subscription{fn: fn}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every interested subscriber in subscription
// order. The subscriber list is snapshotted first, so handlers may subscribe
// or unsubscribe without deadlocking.
func (b *Bus) Publish(sessionID string, t EventType, fields Fields) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(t) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	e := Event{Type: t, SessionID: sessionID, Time: time.Now(), Fields: fields}
	for _, s := range subs {
		s.fn(e)
	}
}
