// Package rag is the serving entry point: it retrieves passages for a
// question, composes a grounded answer and keeps the session's memory.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/memory"
	"github.com/felixgeelhaar/specdesk/internal/observe"
	"github.com/felixgeelhaar/specdesk/internal/provider"
	"github.com/felixgeelhaar/specdesk/internal/retriever"
)

// ErrInvalidInput is returned for an empty session id or question.
var ErrInvalidInput = errors.New("session id and question are required")

// Retriever finds passages for a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string) (*retriever.Query, error)
}

// Composer produces and records answers.
type Composer interface {
	Compose(ctx context.Context, sessionID, question string, passages []string) (string, error)
	Record(ctx context.Context, sessionID, question, answer string)
}

// Replies are the fixed texts returned instead of a generated answer.
type Replies struct {
	InsufficientInfo string
	Fallback         string
	// ShortCircuitEmpty answers InsufficientInfo without calling the model
	// when nothing was retrieved.
	ShortCircuitEmpty bool
}

type Engine struct {
	retriever Retriever
	composer  Composer
	replies   Replies
	bus       *events.Bus
	obs       *observe.Observer

	memory  *memory.Manager
	closers []func() error
}

// New assembles an Engine from its parts. bus may be nil.
func New(r Retriever, c Composer, replies Replies, bus *events.Bus, obs *observe.Observer) *Engine {
	if obs == nil {
		obs = observe.Discard()
	}
	return &Engine{retriever: r, composer: c, replies: replies, bus: bus, obs: obs}
}

// Answer returns the reply to question within session sessionID. Provider
// failures are logged and turned into the fallback reply with a nil error;
// cancellation returns ctx.Err().
func (e *Engine) Answer(ctx context.Context, sessionID, question string) (string, error) {
	question = strings.TrimSpace(question)
	if strings.TrimSpace(sessionID) == "" || question == "" {
		return "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ctx, span := e.obs.StartSpan(ctx, "Engine.Answer")
	defer span.End()

	log := e.obs.Log().With().Str("session", sessionID).Logger()
	start := time.Now()
	e.bus.Publish(sessionID, events.EventAnswerStart, nil)

	q, err := e.retriever.Retrieve(ctx, question)
	if err != nil {
		return e.fail(ctx, sessionID, "retrieve", err)
	}
	e.bus.Publish(sessionID, events.EventRetrieval, events.Fields{
		"passages": len(q.Passages),
	})

	if len(q.Passages) == 0 {
		e.bus.Publish(sessionID, events.EventContextEmpty, nil)
		if e.replies.ShortCircuitEmpty {
			log.Info().Msg("no passages retrieved, answering with insufficient-information reply")
			e.composer.Record(ctx, sessionID, question, e.replies.InsufficientInfo)
			e.end(sessionID, start, "insufficient_info")
			return e.replies.InsufficientInfo, nil
		}
	}

	answer, err := e.composer.Compose(ctx, sessionID, question, q.Texts())
	if err != nil {
		return e.fail(ctx, sessionID, "generate", err)
	}

	log.Debug().Int("passages", len(q.Passages)).Int("elapsed_ms", int(time.Since(start).Milliseconds())).Msg("answered")
	e.end(sessionID, start, "answered")
	return answer, nil
}

func (e *Engine) fail(ctx context.Context, sessionID, stage string, err error) (string, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if !provider.IsProviderError(err) {
		return "", fmt.Errorf("%s: %w", stage, err)
	}
	e.obs.Log().Error().Str("session", sessionID).Str("stage", stage).Err(err).Msg("provider failed, returning fallback reply")
	e.bus.Publish(sessionID, events.EventAnswerFallback, events.Fields{
		"stage": stage,
	})
	return e.replies.Fallback, nil
}

func (e *Engine) end(sessionID string, start time.Time, outcome string) {
	e.bus.Publish(sessionID, events.EventAnswerEnd, events.Fields{
		"outcome":    outcome,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
}

// Memory returns the conversation memory when the Engine was built by Open.
func (e *Engine) Memory() *memory.Manager {
	return e.memory
}

// Close releases the index and provider clients opened by Open.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
