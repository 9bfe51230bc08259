package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/specdesk/internal/credential"
	"github.com/felixgeelhaar/specdesk/internal/memory"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db      *sql.DB
	secrets *credential.Manager
}

// NewSQLiteStore opens (creating if needed) the store at dbPath. secrets may
// be nil, in which case SetSecret and GetSecret fail.
func NewSQLiteStore(dbPath string, secrets *credential.Manager) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps the busy handling simple.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:      db,
		secrets: secrets,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at INTEGER,
			updated_at INTEGER,
			status TEXT,
			summary TEXT,
			pending TEXT,
			archive TEXT,
			compactions INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_updated_at ON sessions(updated_at);`,
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

// GetConfig returns "" for unset keys.
func (s *SQLiteStore) GetConfig(key string) (string, error) {
	query := `SELECT value FROM configuration WHERE key = ?`
	var value string
	if err := s.db.QueryRow(query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) SetSecret(key, value string) error {
	if s.secrets == nil {
		return errors.New("no credential manager configured")
	}
	enc, err := s.secrets.Seal(key, value)
	if err != nil {
		return err
	}
	return s.SetConfig(key, enc)
}

func (s *SQLiteStore) GetSecret(key string) (string, error) {
	if s.secrets == nil {
		return "", errors.New("no credential manager configured")
	}
	stored, err := s.GetConfig(key)
	if err != nil {
		return "", err
	}
	return s.secrets.Open(key, stored)
}

// Session Implementation

func (s *SQLiteStore) Load(ctx context.Context, id string) (*memory.Session, error) {
	query := `SELECT id, created_at, updated_at, status, summary, pending, archive, compactions FROM sessions WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	var sess memory.Session
	var created, updated int64
	var status, pendingJSON, archiveJSON string
	if err := row.Scan(&sess.ID, &created, &updated, &status, &sess.Summary, &pendingJSON, &archiveJSON, &sess.Compactions); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", memory.ErrSessionNotFound, id)
		}
		return nil, err
	}

	sess.Phase = memory.Phase(status)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	if err := json.Unmarshal([]byte(pendingJSON), &sess.Pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending turns: %w", err)
	}
	if err := json.Unmarshal([]byte(archiveJSON), &sess.Archive); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archived turns: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *memory.Session) error {
	pendingJSON, err := json.Marshal(nonNil(sess.Pending))
	if err != nil {
		return fmt.Errorf("failed to marshal pending turns: %w", err)
	}
	archiveJSON, err := json.Marshal(nonNil(sess.Archive))
	if err != nil {
		return fmt.Errorf("failed to marshal archived turns: %w", err)
	}

	query := `INSERT INTO sessions (id, created_at, updated_at, status, summary, pending, archive, compactions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			status = excluded.status,
			summary = excluded.summary,
			pending = excluded.pending,
			archive = excluded.archive,
			compactions = excluded.compactions`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(), string(sess.Phase),
		sess.Summary, string(pendingJSON), string(archiveJSON), sess.Compactions)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", memory.ErrSessionNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) PurgeBefore(ctx context.Context, t time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, t.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ListSessions() ([]SessionInfo, error) {
	rows, err := s.db.Query(`SELECT id, status, pending, compactions, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var status, pendingJSON string
		var updated int64
		if err := rows.Scan(&info.ID, &status, &pendingJSON, &info.Compactions, &updated); err != nil {
			return nil, err
		}
		var pending []memory.Turn
		if err := json.Unmarshal([]byte(pendingJSON), &pending); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending turns: %w", err)
		}
		info.Phase = memory.Phase(status)
		info.Pending = len(pending)
		info.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func nonNil(turns []memory.Turn) []memory.Turn {
	if turns == nil {
		return []memory.Turn{}
	}
	return turns
}
