package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")
	keyMeta       = []byte("meta")
)

// BoltBackend stores the index in a bbolt file, one JSON record per entry
// keyed by a big-endian sequence number.
type BoltBackend struct {
	path string
	db   *bbolt.DB
}

func NewBoltBackend(path string) *BoltBackend {
	return &BoltBackend{path: path}
}

func (b *BoltBackend) Path() string { return b.path }

func (b *BoltBackend) Exists() (bool, error) {
	_, err := os.Stat(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (b *BoltBackend) open() error {
	if b.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0750); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	db, err := bbolt.Open(b.path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open index database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return err
	}
	b.db = db
	return nil
}

func (b *BoltBackend) Load(ctx context.Context) (Meta, []Entry, error) {
	var meta Meta
	var entries []Entry
	if err := b.open(); err != nil {
		return meta, nil, err
	}

	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyMeta)
		if data == nil {
			return &CorruptError{Path: b.path, Reason: "missing index metadata"}
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return &CorruptError{Path: b.path, Reason: "unreadable index metadata", Err: err}
		}

		// Cursor order is key order, which is insertion order.
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return &CorruptError{Path: b.path, Reason: fmt.Sprintf("bad entry at seq %d", binary.BigEndian.Uint64(k)), Err: err}
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return Meta{}, nil, err
	}
	return meta, entries, nil
}

func (b *BoltBackend) Append(ctx context.Context, meta Meta, entries []Entry) error {
	if err := b.open(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMeta).Put(keyMeta, data); err != nil {
			return err
		}

		bucket := tx.Bucket(bucketEntries)
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			if err := bucket.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
