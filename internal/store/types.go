package store

import (
	"time"

	"github.com/felixgeelhaar/specdesk/internal/memory"
)

// SessionInfo is a listing row for a stored session.
type SessionInfo struct {
	ID          string
	Phase       memory.Phase
	Pending     int
	Compactions int
	UpdatedAt   time.Time
}

// Storage defines the interface for persistence
type Storage interface {
	memory.Store

	ListSessions() ([]SessionInfo, error)

	// Configuration Management
	SetConfig(key, value string) error
	GetConfig(key string) (string, error)

	// SetSecret stores value encrypted; GetSecret decrypts it.
	SetSecret(key, value string) error
	GetSecret(key string) (string, error)

	Close() error
}
