package rag

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/specdesk/internal/composer"
	"github.com/felixgeelhaar/specdesk/internal/config"
	"github.com/felixgeelhaar/specdesk/internal/credential"
	"github.com/felixgeelhaar/specdesk/internal/embedding"
	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/index"
	"github.com/felixgeelhaar/specdesk/internal/memory"
	"github.com/felixgeelhaar/specdesk/internal/observe"
	"github.com/felixgeelhaar/specdesk/internal/provider"
	"github.com/felixgeelhaar/specdesk/internal/retriever"
)

// SecretLookup returns a stored secret by key, "" when unset.
type SecretLookup func(key string) (string, error)

// Deps are the process-wide collaborators Open does not build itself.
type Deps struct {
	Observer *observe.Observer
	Bus      *events.Bus
	// Store persists session memory. Nil, or memory.store "memory", keeps
	// sessions in process.
	Store memory.Store
	// Secrets resolves "<provider>.api_key" when the environment has no key.
	Secrets SecretLookup
}

// RetryPolicy converts the retry section of cfg.
func RetryPolicy(cfg *config.Config) provider.RetryPolicy {
	return provider.RetryPolicy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		AttemptTimeout: cfg.Retry.AttemptTimeout,
	}
}

func settings(p config.ProviderConfig, secrets SecretLookup) (provider.Settings, error) {
	var lookup func() (string, error)
	if secrets != nil {
		lookup = func() (string, error) { return secrets(p.Type + ".api_key") }
	}
	key, err := credential.Resolve(p.APIKeyEnv, lookup)
	if err != nil {
		return provider.Settings{}, err
	}
	if key == "" && provider.NeedsAPIKey(p.Type) {
		return provider.Settings{}, fmt.Errorf("no API key for %s: set %s or run 'specdesk config set %s.api_key <key>'",
			p.Type, p.APIKeyEnv, p.Type)
	}
	return provider.Settings{
		Type:        p.Type,
		Model:       p.Model,
		BaseURL:     p.BaseURL,
		APIKey:      key,
		Temperature: p.Temperature,
	}, nil
}

// NewChatModel builds the configured generation model wrapped in the retry policy.
func NewChatModel(cfg *config.Config, secrets SecretLookup) (provider.ChatModel, error) {
	s, err := settings(cfg.Generation, secrets)
	if err != nil {
		return nil, err
	}
	m, err := provider.NewChatModel(s)
	if err != nil {
		return nil, err
	}
	return provider.WithRetry(m, RetryPolicy(cfg)), nil
}

// NewEmbedder builds the configured embedder with batching, retries and the
// query cache.
func NewEmbedder(cfg *config.Config, secrets SecretLookup, obs *observe.Observer) (*embedding.Embedder, error) {
	s, err := settings(cfg.Embedding.ProviderConfig, secrets)
	if err != nil {
		return nil, err
	}
	p, err := provider.NewEmbedder(s)
	if err != nil {
		return nil, err
	}
	return embedding.New(provider.WithEmbedRetry(p, RetryPolicy(cfg)), obs, embedding.Options{
		Model:     cfg.Embedding.Model,
		BatchSize: cfg.Embedding.BatchSize,
		Dimension: cfg.Embedding.Dimension,
		Cache:     embedding.NewCache(cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL),
	}), nil
}

// NewMemory builds conversation memory on store using chat for summaries.
func NewMemory(cfg *config.Config, chat provider.ChatModel, store memory.Store, deps Deps) *memory.Manager {
	if store == nil || cfg.Memory.Store == "memory" {
		store = memory.NewInMemoryStore()
	}
	return memory.NewManager(chat, store, memory.Options{
		MaxTokenLimit:   cfg.Memory.MaxTokenLimit,
		MaxPendingTurns: cfg.Memory.MaxPendingTurns,
		MaxArchiveTurns: cfg.Memory.MaxArchiveTurns,
		Policy:          memory.PolicyByName(cfg.Memory.Policy),
		Bus:             deps.Bus,
		Observer:        deps.Observer,
	})
}

// Open builds a serving Engine from cfg. The index must already exist:
// index.ErrIndexNotFound and *index.CorruptError are returned unchanged so
// callers can refuse to start.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Observer == nil {
		deps.Observer = observe.Discard()
	}

	emb, err := NewEmbedder(cfg, deps.Secrets, deps.Observer)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	chat, err := NewChatModel(cfg, deps.Secrets)
	if err != nil {
		emb.Close()
		return nil, fmt.Errorf("generation provider: %w", err)
	}
	release := func() {
		provider.Close(chat)
		emb.Close()
	}

	backend, err := index.NewBackend(cfg.Index.Backend, cfg.Index.Path)
	if err != nil {
		release()
		return nil, err
	}
	ix, err := index.Open(ctx, backend, index.Options{Dimension: cfg.Embedding.Dimension, Model: cfg.Embedding.Model})
	if err != nil {
		backend.Close()
		release()
		return nil, err
	}
	if dim := ix.Dimension(); dim > 0 {
		if err := emb.Expect(dim); err != nil {
			ix.Close()
			release()
			return nil, &index.CorruptError{Path: cfg.Index.Path, Reason: "embedder dimension differs from index", Err: err}
		}
	}

	mem := NewMemory(cfg, chat, deps.Store, deps)
	r := retriever.New(emb, ix, cfg.Retrieval.K, deps.Observer)
	c := composer.New(chat, mem, composer.Template{
		Instruction: cfg.Prompt.Instruction,
		Language:    cfg.Prompt.Language,
	}, deps.Observer)

	e := New(r, c, Replies{
		InsufficientInfo:  cfg.Prompt.InsufficientInfo,
		Fallback:          cfg.Prompt.Fallback,
		ShortCircuitEmpty: cfg.Prompt.ShortCircuit(),
	}, deps.Bus, deps.Observer)
	e.memory = mem
	e.closers = append(e.closers,
		func() error { return provider.Close(chat) },
		emb.Close,
		ix.Close,
	)

	deps.Observer.Log().Info().
		Str("index", cfg.Index.Path).
		Int("entries", ix.Len()).
		Int("dimension", ix.Dimension()).
		Str("generation", chat.Name()).
		Msg("engine ready")
	return e, nil
}
