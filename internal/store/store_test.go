package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/specdesk/internal/credential"
	"github.com/felixgeelhaar/specdesk/internal/memory"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir, _ := os.MkdirTemp("", "store-test-*")
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	secrets, err := credential.NewManagerWithPassphrase("store-test")
	if err != nil {
		t.Fatalf("Failed to create credential manager: %v", err)
	}
	s, err := NewSQLiteStore(filepath.Join(tmpDir, "nested", "specdesk.db"), secrets)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Sessions", func(t *testing.T) {
		sess := &memory.Session{
			ID:        "s1",
			Phase:     memory.PhaseAccumulating,
			Pending:   []memory.Turn{{Question: "電池容量?", Answer: "5000mAh", At: now}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.Save(ctx, sess); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		got, err := s.Load(ctx, "s1")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.Phase != memory.PhaseAccumulating {
			t.Errorf("Expected phase %q, got %q", memory.PhaseAccumulating, got.Phase)
		}
		if len(got.Pending) != 1 || got.Pending[0].Answer != "5000mAh" {
			t.Errorf("Unexpected pending turns: %+v", got.Pending)
		}
		if !got.CreatedAt.Equal(now) {
			t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, now)
		}

		got.Phase = memory.PhaseCompacted
		got.Summary = "customer asked about battery"
		got.Pending = nil
		got.Compactions = 1
		if err := s.Save(ctx, got); err != nil {
			t.Fatalf("Save (update) failed: %v", err)
		}

		updated, _ := s.Load(ctx, "s1")
		if updated.Phase != memory.PhaseCompacted || updated.Summary != "customer asked about battery" {
			t.Errorf("Update not persisted: %+v", updated)
		}
		if len(updated.Pending) != 0 {
			t.Errorf("Expected no pending turns, got %d", len(updated.Pending))
		}
		if updated.Compactions != 1 {
			t.Errorf("Expected 1 compaction, got %d", updated.Compactions)
		}

		if _, err := s.Load(ctx, "non-existent"); !errors.Is(err, memory.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("ListAndPurge", func(t *testing.T) {
		old := &memory.Session{
			ID:        "old",
			Phase:     memory.PhaseAccumulating,
			CreatedAt: now.Add(-48 * time.Hour),
			UpdatedAt: now.Add(-48 * time.Hour),
		}
		if err := s.Save(ctx, old); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		list, err := s.ListSessions()
		if err != nil {
			t.Fatalf("ListSessions failed: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("Expected 2 sessions, got %d", len(list))
		}
		if list[0].ID != "s1" {
			t.Errorf("Expected most recent session first, got %s", list[0].ID)
		}

		n, err := s.PurgeBefore(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("PurgeBefore failed: %v", err)
		}
		if n != 1 {
			t.Errorf("Expected 1 purged session, got %d", n)
		}
		if _, err := s.Load(ctx, "old"); !errors.Is(err, memory.ErrSessionNotFound) {
			t.Errorf("Expected purged session to be gone, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete(ctx, "s1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(ctx, "s1"); !errors.Is(err, memory.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound on second delete, got %v", err)
		}
	})

	t.Run("Configuration", func(t *testing.T) {
		if err := s.SetConfig("generation.model", "gpt-4o-mini"); err != nil {
			t.Fatalf("SetConfig failed: %v", err)
		}
		if err := s.SetConfig("generation.model", "gpt-4o"); err != nil {
			t.Fatalf("SetConfig (overwrite) failed: %v", err)
		}
		val, err := s.GetConfig("generation.model")
		if err != nil {
			t.Fatalf("GetConfig failed: %v", err)
		}
		if val != "gpt-4o" {
			t.Errorf("Expected 'gpt-4o', got '%s'", val)
		}

		missing, err := s.GetConfig("missing")
		if err != nil || missing != "" {
			t.Errorf("Expected empty value for missing key, got %q (%v)", missing, err)
		}
	})

	t.Run("Secrets", func(t *testing.T) {
		if err := s.SetSecret("openai.api_key", "sk-1234567890"); err != nil {
			t.Fatalf("SetSecret failed: %v", err)
		}
		raw, _ := s.GetConfig("openai.api_key")
		if !strings.HasPrefix(raw, credential.SealedPrefix) {
			t.Errorf("Expected encrypted value at rest, got %q", raw)
		}
		got, err := s.GetSecret("openai.api_key")
		if err != nil {
			t.Fatalf("GetSecret failed: %v", err)
		}
		if got != "sk-1234567890" {
			t.Errorf("Expected decrypted secret, got %q", got)
		}
	})
}

func TestSQLiteStore_ManagerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := memory.NewManager(nil, s, memory.Options{MaxTokenLimit: 10000})
	if err := m.Record(ctx, "persisted", memory.Turn{Question: "q1", Answer: "a1"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	snap, err := memory.NewManager(nil, s, memory.Options{MaxTokenLimit: 10000}).Snapshot(ctx, "persisted")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Pending) != 1 || snap.Pending[0].Question != "q1" {
		t.Errorf("Expected the recorded turn to survive a new manager, got %+v", snap.Pending)
	}
}

func TestSQLiteStore_NoSecrets(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(tmpDir, "db"), nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if err := s.SetSecret("k", "v"); err == nil {
		t.Error("Expected error without a credential manager")
	}
}
