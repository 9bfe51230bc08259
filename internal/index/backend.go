package index

import (
	"fmt"
	"strings"
)

// NewBackend returns the storage backend named by kind ("sqlite" or "bolt").
func NewBackend(kind, path string) (Backend, error) {
	switch strings.ToLower(kind) {
	case "sqlite", "":
		return NewSQLiteBackend(path), nil
	case "bolt", "bbolt":
		return NewBoltBackend(path), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", kind)
	}
}
