// Package composer assembles the grounded prompt, calls the generation model
// and records the finished turn in conversation memory.
package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/specdesk/internal/memory"
	"github.com/felixgeelhaar/specdesk/internal/observe"
	"github.com/felixgeelhaar/specdesk/internal/provider"
)

const separator = "---------"

// Template is the fixed prompt shape. Instruction and Language are
// configurable; the layout is not.
type Template struct {
	Instruction string
	Language    string
}

// Messages builds the system and user messages. Passages appear in the order
// given, between separator lines, followed by the rendered history.
func (t Template) Messages(passages []string, history, question string) []provider.Message {
	var sys strings.Builder
	sys.WriteString(t.Instruction)
	sys.WriteString("\n")
	sys.WriteString(separator)
	sys.WriteString("\n")
	sys.WriteString(strings.Join(passages, "\n\n"))
	sys.WriteString("\n")
	sys.WriteString(separator)
	if history != "" {
		sys.WriteString("\n")
		sys.WriteString(history)
	}

	user := fmt.Sprintf("Answer in %s and do your best to address the question. "+
		"When answering questions about specifications, note that specifications may vary by region and configuration.\n"+
		"Q: %s", t.language(), question)

	return []provider.Message{
		{Role: provider.RoleSystem, Content: sys.String()},
		{Role: provider.RoleUser, Content: user},
	}
}

func (t Template) language() string {
	if t.Language == "" {
		return "Traditional Chinese"
	}
	return t.Language
}

// Memory is the slice of conversation memory the composer needs.
type Memory interface {
	History(ctx context.Context, sessionID string) (string, error)
	Record(ctx context.Context, sessionID string, turn memory.Turn) error
}

// Composer is safe for concurrent use; per-session ordering is enforced by
// the memory it records into.
type Composer struct {
	gen      provider.ChatModel
	mem      Memory
	template Template
	obs      *observe.Observer
}

func New(gen provider.ChatModel, mem Memory, template Template, obs *observe.Observer) *Composer {
	if obs == nil {
		obs = observe.Discard()
	}
	return &Composer{gen: gen, mem: mem, template: template, obs: obs}
}

// Compose generates an answer to question grounded in passages and records
// the turn. Generation errors are returned unchanged; memory errors are
// logged and never returned.
func (c *Composer) Compose(ctx context.Context, sessionID, question string, passages []string) (string, error) {
	history, err := c.mem.History(ctx, sessionID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		c.obs.Log().Warn().Str("session", sessionID).Err(err).Msg("could not load history, answering without it")
		history = ""
	}

	resp, err := c.gen.Chat(ctx, c.template.Messages(passages, history, question))
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Content)

	c.Record(ctx, sessionID, question, answer)
	return answer, nil
}

// Record stores a finished turn. An overflow is a warning; any other failure
// is logged as an error. Neither reaches the caller.
func (c *Composer) Record(ctx context.Context, sessionID, question, answer string) {
	err := c.mem.Record(ctx, sessionID, memory.Turn{Question: question, Answer: answer})
	if err == nil {
		return
	}
	var overflow *memory.OverflowError
	if errors.As(err, &overflow) {
		c.obs.Log().Warn().Str("session", sessionID).Int("dropped_turns", overflow.Dropped).Err(overflow.Cause).Msg("memory overflow")
		return
	}
	c.obs.Log().Error().Str("session", sessionID).Err(err).Msg("failed to record turn")
}
