package provider

import (
	"fmt"
	"strings"
)

// Settings is everything needed to build one provider instance.
type Settings struct {
	Type        string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float32
}

// NewChatModel builds the generation model named by s.Type.
func NewChatModel(s Settings) (ChatModel, error) {
	switch strings.ToLower(s.Type) {
	case "openai":
		return NewOpenAIProvider(s.APIKey, s.BaseURL, s.Model, s.Temperature)
	case "ollama":
		return NewOllamaProvider(s.BaseURL, s.Model, s.Temperature)
	case "gemini":
		return NewGeminiProvider(s.APIKey, s.Model, s.Temperature)
	case "anthropic":
		p, err := NewAnthropicProvider(s.APIKey, s.Model, s.Temperature)
		if err != nil {
			return nil, err
		}
		if s.BaseURL != "" {
			p.SetBaseURL(s.BaseURL)
		}
		return p, nil
	case "stub":
		return NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", s.Type)
	}
}

// NewEmbedder builds the embedding model named by s.Type.
func NewEmbedder(s Settings) (Embedder, error) {
	switch strings.ToLower(s.Type) {
	case "openai":
		return NewOpenAIProvider(s.APIKey, s.BaseURL, s.Model, 0)
	case "ollama":
		return NewOllamaProvider(s.BaseURL, s.Model, 0)
	case "gemini":
		return NewGeminiProvider(s.APIKey, s.Model, 0)
	case "stub":
		return NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("provider %q cannot produce embeddings", s.Type)
	}
}

// NeedsAPIKey reports whether a provider type authenticates with an API key.
func NeedsAPIKey(providerType string) bool {
	switch strings.ToLower(providerType) {
	case "openai", "gemini", "anthropic":
		return true
	default:
		return false
	}
}
