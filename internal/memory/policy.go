package memory

import (
	"strings"

	"github.com/felixgeelhaar/specdesk/internal/provider"
)

// Policy decides what a summarization call sees.
type Policy interface {
	Name() string
	// KeepsArchive reports whether folded turns are retained for later passes.
	KeepsArchive() bool
	Prompt(s *Session) []provider.Message
}

// PolicyByName returns the policy for a configuration value.
func PolicyByName(name string) Policy {
	if strings.EqualFold(name, "full") {
		return FullHistory{}
	}
	return Incremental{}
}

const summarizeInstruction = "You maintain a running summary of a conversation between a customer and a product support assistant. " +
	"Keep every product name, model number and specification that was asked about or given. " +
	"Write in the language of the conversation. Reply with the summary only."

// Incremental folds the pending turns into the prior summary.
type Incremental struct{}

func (Incremental) Name() string       { return "incremental" }
func (Incremental) KeepsArchive() bool { return false }

func (Incremental) Prompt(s *Session) []provider.Message {
	var b strings.Builder
	b.WriteString("Current summary:\n")
	if s.Summary == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	b.WriteString("\nNew lines of conversation:\n")
	writeTurns(&b, s.Pending)
	b.WriteString("\nNew summary:")

	return []provider.Message{
		{Role: provider.RoleSystem, Content: summarizeInstruction},
		{Role: provider.RoleUser, Content: b.String()},
	}
}

// FullHistory re-summarizes every archived turn plus the pending ones,
// so early details cannot drift through repeated summaries.
type FullHistory struct{}

func (FullHistory) Name() string       { return "full" }
func (FullHistory) KeepsArchive() bool { return true }

func (FullHistory) Prompt(s *Session) []provider.Message {
	var b strings.Builder
	b.WriteString("Conversation:\n")
	writeTurns(&b, s.Archive)
	writeTurns(&b, s.Pending)
	b.WriteString("\nSummary:")

	return []provider.Message{
		{Role: provider.RoleSystem, Content: summarizeInstruction},
		{Role: provider.RoleUser, Content: b.String()},
	}
}
