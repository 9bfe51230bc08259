package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// StubProvider is a deterministic, offline provider for tests and demos.
// Chat pops scripted Responses and otherwise echoes the last line of the last
// user message, followed by the first reference passage if the system
// message carries one.
// Embed hashes words (and individual CJK characters) into a fixed number of
// buckets, so texts sharing vocabulary land close together.
type StubProvider struct {
	mu        sync.Mutex
	Responses []Response
	Dimension int
	// ChatErr and EmbedErr, when set, are returned by every call.
	ChatErr  error
	EmbedErr error

	chatCalls  [][]Message
	embedCalls int
}

func NewStubProvider() *StubProvider {
	return &StubProvider{Dimension: 64}
}

func (m *StubProvider) Name() string {
	return "stub"
}

func (m *StubProvider) Chat(ctx context.Context, messages []Message) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.chatCalls = append(m.chatCalls, append([]Message(nil), messages...))
	if m.ChatErr != nil {
		return nil, m.ChatErr
	}

	if len(m.Responses) > 0 {
		resp := m.Responses[0]
		m.Responses = m.Responses[1:]
		return &resp, nil
	}

	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			last = messages[i].Content
			break
		}
	}
	content := "stub answer: " + lastLine(last)
	if passage := firstPassage(messages); passage != "" {
		content += " | " + passage
	}
	return &Response{
		Content: content,
		Usage:   Usage{PromptTokens: len(messages), CompletionTokens: 1, TotalTokens: len(messages) + 1},
	}, nil
}

// ChatCalls returns the message lists received so far.
func (m *StubProvider) ChatCalls() [][]Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]Message(nil), m.chatCalls...)
}

// EmbedCalls returns how many Embed calls were made.
func (m *StubProvider) EmbedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls
}

func (m *StubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.embedCalls++
	embedErr := m.EmbedErr
	dim := m.Dimension
	m.mu.Unlock()

	if embedErr != nil {
		return nil, embedErr
	}
	if dim <= 0 {
		dim = 64
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbedding(t, dim)
	}
	return out, nil
}

func hashEmbedding(text string, dim int) []float32 {
	vec := make([]float32, dim)
	for _, tok := range stubTokens(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func stubTokens(text string) []string {
	var tokens []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case r > unicode.MaxASCII && unicode.IsLetter(r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// firstPassage returns the first line after a "---" separator line in the
// system message.
func firstPassage(messages []Message) string {
	for _, m := range messages {
		if m.Role != RoleSystem {
			continue
		}
		inContext := false
		for _, line := range strings.Split(m.Content, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "---") {
				if inContext {
					return ""
				}
				inContext = true
				continue
			}
			if inContext && line != "" {
				return line
			}
		}
	}
	return ""
}
