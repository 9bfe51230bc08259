package cli

import (
	"fmt"
	"strings"

	"github.com/felixgeelhaar/specdesk/internal/config"
	"github.com/felixgeelhaar/specdesk/internal/credential"
	"github.com/felixgeelhaar/specdesk/internal/events"
	"github.com/felixgeelhaar/specdesk/internal/observe"
	"github.com/felixgeelhaar/specdesk/internal/rag"
	"github.com/felixgeelhaar/specdesk/internal/store"
)

func getStore(cfg *config.Config) (*store.SQLiteStore, error) {
	secrets, err := credential.NewManager()
	if err != nil {
		return nil, err
	}
	s, err := store.NewSQLiteStore(cfg.StorePath(), secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	return s, nil
}

// isSecretKey reports whether a configuration key holds a credential.
func isSecretKey(key string) bool {
	return strings.HasSuffix(key, ".api_key")
}

// engineDeps wires the store into the engine: it always serves stored API
// keys, and session memory when memory.store is sqlite.
func engineDeps(cfg *config.Config, s *store.SQLiteStore, obs *observe.Observer, bus *events.Bus) rag.Deps {
	deps := rag.Deps{
		Observer: obs,
		Bus:      bus,
		Secrets:  s.GetSecret,
	}
	if cfg.Memory.Store == "sqlite" {
		deps.Store = s
	}
	return deps
}
