package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores the index in a single SQLite file. The file is only
// created on the first Append.
type SQLiteBackend struct {
	path string
	db   *sql.DB
}

func NewSQLiteBackend(path string) *SQLiteBackend {
	return &SQLiteBackend{path: path}
}

func (s *SQLiteBackend) Path() string { return s.path }

func (s *SQLiteBackend) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteBackend) open() error {
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open index database: %w", err)
	}
	db.SetMaxOpenConns(1)

	queries := []string{
		`CREATE TABLE IF NOT EXISTS index_meta (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS index_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			chunk_id TEXT,
			document_id TEXT,
			content TEXT,
			start_pos INTEGER,
			end_pos INTEGER,
			vector BLOB,
			metadata TEXT
		);`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			db.Close()
			return fmt.Errorf("failed to init index schema: %w", err)
		}
	}
	s.db = db
	return nil
}

func (s *SQLiteBackend) Load(ctx context.Context) (Meta, []Entry, error) {
	var meta Meta
	if err := s.open(); err != nil {
		return meta, nil, err
	}

	var metaJSON string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'meta'`).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, nil, &CorruptError{Path: s.path, Reason: "missing index metadata"}
	}
	if err != nil {
		return meta, nil, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return meta, nil, &CorruptError{Path: s.path, Reason: "unreadable index metadata", Err: err}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, document_id, content, start_pos, end_pos, vector, metadata FROM index_entries ORDER BY seq`)
	if err != nil {
		return meta, nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		var metaText sql.NullString
		if err := rows.Scan(&e.ChunkID, &e.DocumentID, &e.Text, &e.Start, &e.End, &blob, &metaText); err != nil {
			return meta, nil, err
		}
		if e.Vector, err = decodeVector(blob); err != nil {
			return meta, nil, &CorruptError{Path: s.path, Reason: "bad vector for " + e.ChunkID, Err: err}
		}
		if metaText.Valid && metaText.String != "" && metaText.String != "null" {
			if err := json.Unmarshal([]byte(metaText.String), &e.Metadata); err != nil {
				return meta, nil, &CorruptError{Path: s.path, Reason: "bad metadata for " + e.ChunkID, Err: err}
			}
		}
		entries = append(entries, e)
	}
	return meta, entries, rows.Err()
}

func (s *SQLiteBackend) Append(ctx context.Context, meta Meta, entries []Entry) error {
	if err := s.open(); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO index_meta (key, value) VALUES ('meta', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		string(metaJSON)); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO index_entries (chunk_id, document_id, content, start_pos, end_pos, vector, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		blob, err := encodeVector(e.Vector)
		if err != nil {
			return err
		}
		metaText, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal entry metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ChunkID, e.DocumentID, e.Text, e.Start, e.End, blob, string(metaText)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteBackend) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
