// Package config loads the engine configuration from YAML. Every value is read
// once at process start and treated as immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file looked up when --config is not given.
const DefaultPath = "specdesk.yaml"

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig selects a model provider. It is used both for generation and
// for embeddings.
type ProviderConfig struct {
	Type        string  `yaml:"type"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty"`
	Temperature float32 `yaml:"temperature"`
}

// EmbeddingConfig configures the embedder on top of its provider.
type EmbeddingConfig struct {
	ProviderConfig `yaml:",inline"`
	Dimension      int           `yaml:"dimension"`
	BatchSize      int           `yaml:"batch_size"`
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// RetryConfig bounds every external model call.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// ChunkerConfig configures document splitting. Sizes are in code points.
type ChunkerConfig struct {
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	Separators   []string `yaml:"separators,omitempty"`
}

// RetrievalConfig configures the retriever.
type RetrievalConfig struct {
	K int `yaml:"k"`
}

// MemoryConfig configures per-session conversation memory.
type MemoryConfig struct {
	MaxTokenLimit   int           `yaml:"max_token_limit"`
	MaxPendingTurns int           `yaml:"max_pending_turns"`
	MaxArchiveTurns int           `yaml:"max_archive_turns"`
	Policy          string        `yaml:"policy"`
	Store           string        `yaml:"store"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
}

// IndexConfig locates the persisted vector index.
type IndexConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// CorpusConfig locates the product documents used for indexing.
type CorpusConfig struct {
	Dir     string   `yaml:"dir"`
	Include []string `yaml:"include"`
}

// PromptConfig holds the user-facing text of the answer template.
type PromptConfig struct {
	Language          string `yaml:"language"`
	Instruction       string `yaml:"instruction"`
	InsufficientInfo  string `yaml:"insufficient_info"`
	Fallback          string `yaml:"fallback"`
	ShortCircuitEmpty *bool  `yaml:"short_circuit_empty,omitempty"`
}

// Config is the root configuration.
type Config struct {
	DataDir    string          `yaml:"data_dir"`
	Log        LogConfig       `yaml:"log"`
	Generation ProviderConfig  `yaml:"generation"`
	Embedding  EmbeddingConfig `yaml:"embedding"`
	Retry      RetryConfig     `yaml:"retry"`
	Chunker    ChunkerConfig   `yaml:"chunker"`
	Retrieval  RetrievalConfig `yaml:"retrieval"`
	Memory     MemoryConfig    `yaml:"memory"`
	Index      IndexConfig     `yaml:"index"`
	Corpus     CorpusConfig    `yaml:"corpus"`
	Prompt     PromptConfig    `yaml:"prompt"`
}

const (
	DefaultInstruction = "You are a customer service assistant for our products. " +
		"Answer the customer's question using only the reference material below. " +
		"If the material does not contain the answer, say that you do not know. Never make up an answer."
	DefaultInsufficientInfo = "Sorry, I could not find anything about that in our product documents."
	DefaultFallback         = "Sorry, the assistant is temporarily unavailable. Please try again in a moment."
)

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a config from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path, creating directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are ignored; variables already set win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// APIKey returns the key named by APIKeyEnv, if any.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// ShortCircuit reports whether an empty retrieval skips generation.
func (p PromptConfig) ShortCircuit() bool {
	return p.ShortCircuitEmpty == nil || *p.ShortCircuitEmpty
}

// StorePath is the SQLite file holding sessions and stored credentials.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "specdesk.db")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Chunker.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunker.chunk_size must be positive, got %d", c.Chunker.ChunkSize))
	}
	if c.Chunker.ChunkOverlap < 0 || c.Chunker.ChunkOverlap >= c.Chunker.ChunkSize {
		errs = append(errs, fmt.Errorf("chunker.chunk_overlap must be in [0, chunk_size), got %d", c.Chunker.ChunkOverlap))
	}
	if c.Retrieval.K <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.k must be positive, got %d", c.Retrieval.K))
	}
	if c.Memory.MaxTokenLimit <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_token_limit must be positive, got %d", c.Memory.MaxTokenLimit))
	}
	if c.Memory.MaxPendingTurns <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_pending_turns must be positive, got %d", c.Memory.MaxPendingTurns))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		errs = append(errs, fmt.Errorf("retry.base_delay %s exceeds retry.max_delay %s", c.Retry.BaseDelay, c.Retry.MaxDelay))
	}
	if !oneOf(c.Generation.Type, "openai", "ollama", "gemini", "anthropic", "stub") {
		errs = append(errs, fmt.Errorf("generation.type %q is not supported", c.Generation.Type))
	}
	if !oneOf(c.Embedding.Type, "openai", "ollama", "gemini", "stub") {
		errs = append(errs, fmt.Errorf("embedding.type %q is not supported", c.Embedding.Type))
	}
	if c.Embedding.Dimension < 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must not be negative"))
	}
	if !oneOf(c.Memory.Policy, "incremental", "full") {
		errs = append(errs, fmt.Errorf("memory.policy %q is not supported", c.Memory.Policy))
	}
	if !oneOf(c.Memory.Store, "memory", "sqlite") {
		errs = append(errs, fmt.Errorf("memory.store %q is not supported", c.Memory.Store))
	}
	if !oneOf(c.Index.Backend, "sqlite", "bolt") {
		errs = append(errs, fmt.Errorf("index.backend %q is not supported", c.Index.Backend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	if cfg.Generation.Type == "" {
		cfg.Generation.Type = "openai"
	}
	applyProviderDefaults(&cfg.Generation, false)

	if cfg.Embedding.Type == "" {
		cfg.Embedding.Type = "openai"
	}
	applyProviderDefaults(&cfg.Embedding.ProviderConfig, true)
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1024
	}
	if cfg.Embedding.CacheTTL == 0 {
		cfg.Embedding.CacheTTL = time.Hour
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 200 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 5 * time.Second
	}
	if cfg.Retry.AttemptTimeout == 0 {
		cfg.Retry.AttemptTimeout = 60 * time.Second
	}

	if cfg.Chunker.ChunkSize == 0 {
		cfg.Chunker.ChunkSize = 200
		if cfg.Chunker.ChunkOverlap == 0 {
			cfg.Chunker.ChunkOverlap = 10
		}
	}
	if cfg.Retrieval.K == 0 {
		cfg.Retrieval.K = 8
	}

	if cfg.Memory.MaxTokenLimit == 0 {
		cfg.Memory.MaxTokenLimit = 1500
	}
	if cfg.Memory.MaxPendingTurns == 0 {
		cfg.Memory.MaxPendingTurns = 40
	}
	if cfg.Memory.MaxArchiveTurns == 0 {
		cfg.Memory.MaxArchiveTurns = 200
	}
	if cfg.Memory.Policy == "" {
		cfg.Memory.Policy = "incremental"
	}
	if cfg.Memory.Store == "" {
		cfg.Memory.Store = "sqlite"
	}
	if cfg.Memory.SessionTTL == 0 {
		cfg.Memory.SessionTTL = 7 * 24 * time.Hour
	}

	if cfg.Index.Backend == "" {
		cfg.Index.Backend = "sqlite"
	}
	if cfg.Index.Path == "" {
		cfg.Index.Path = filepath.Join("vector", "index.db")
	}

	if cfg.Corpus.Dir == "" {
		cfg.Corpus.Dir = "docs"
	}
	if len(cfg.Corpus.Include) == 0 {
		cfg.Corpus.Include = []string{"**/*.txt", "**/*.md"}
	}

	if cfg.Prompt.Language == "" {
		cfg.Prompt.Language = "Traditional Chinese"
	}
	if cfg.Prompt.Instruction == "" {
		cfg.Prompt.Instruction = DefaultInstruction
	}
	if cfg.Prompt.InsufficientInfo == "" {
		cfg.Prompt.InsufficientInfo = DefaultInsufficientInfo
	}
	if cfg.Prompt.Fallback == "" {
		cfg.Prompt.Fallback = DefaultFallback
	}
}

func applyProviderDefaults(p *ProviderConfig, embedding bool) {
	switch strings.ToLower(p.Type) {
	case "openai":
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = "OPENAI_API_KEY"
		}
		if p.Model == "" {
			p.Model = "gpt-4o-mini"
			if embedding {
				p.Model = "text-embedding-3-small"
			}
		}
	case "gemini":
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = "GEMINI_API_KEY"
		}
		if p.Model == "" {
			p.Model = "gemini-1.5-flash"
			if embedding {
				p.Model = "text-embedding-004"
			}
		}
	case "anthropic":
		if p.APIKeyEnv == "" {
			p.APIKeyEnv = "ANTHROPIC_API_KEY"
		}
		if p.Model == "" {
			p.Model = "claude-3-5-haiku-latest"
		}
	case "ollama":
		if p.Model == "" {
			p.Model = "llama3.2"
			if embedding {
				p.Model = "nomic-embed-text"
			}
		}
	case "stub":
		if p.Model == "" {
			p.Model = "stub"
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".specdesk"
	}
	return filepath.Join(home, ".specdesk")
}
