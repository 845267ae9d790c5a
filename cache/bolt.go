package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	rulecache "github.com/wolfeidau/rule-cache"
	"go.etcd.io/bbolt"
)

// DefaultDBName is the file created inside the cache directory.
const DefaultDBName = "rules.db"

var bucketEntries = []byte("entries")

// envelope is the stored form of an Entry.
type envelope struct {
	Payload   []byte         `json:"payload"`
	FetchedAt time.Time      `json:"fetched_at"`
	Encoding  Encoding       `json:"encoding"`
	Digest    rulecache.Hash `json:"digest"`
	Size      int64          `json:"size"`
}

// BoltStore persists entries in a bbolt database so a fresh process can
// serve cached rules without contacting upstream.
type BoltStore struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	noSync bool
}

var _ Store = (*BoltStore)(nil)

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithBoltLogger sets the logger for the store.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: Use only for testing, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBoltStore opens or creates the database in dir.
func OpenBoltStore(dir string, opts ...BoltOption) (*BoltStore, error) {
	b := &BoltStore{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "cache.bolt")

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	path := filepath.Join(dir, DefaultDBName)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating codec: %w", err)
	}

	b.db = db
	b.codec = codec
	b.logger.Debug("opened cache database", "path", path)
	return b, nil
}

// Get returns the entry for key. Entries that fail to decode are reported
// as missing so the caller refetches them.
func (b *BoltStore) Get(_ context.Context, key string) (*Entry, error) {
	var raw []byte
	if err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		raw = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn("discarding unreadable cache entry", "key", key, "error", err)
		return nil, ErrNotFound
	}

	payload, err := b.codec.Decode(env.Payload, env.Encoding, env.Digest)
	if err != nil {
		b.logger.Warn("discarding corrupted cache entry", "key", key, "error", err)
		return nil, ErrNotFound
	}

	return &Entry{Key: key, Payload: payload, FetchedAt: env.FetchedAt}, nil
}

func (b *BoltStore) Put(_ context.Context, entry *Entry) error {
	payload, encoding, digest, err := b.codec.Encode(entry.Payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", entry.Key, err)
	}

	raw, err := json.Marshal(envelope{
		Payload:   payload,
		FetchedAt: entry.FetchedAt.UTC(),
		Encoding:  encoding,
		Digest:    digest,
		Size:      int64(len(entry.Payload)),
	})
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", entry.Key, err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(entry.Key), raw)
	})
}

func (b *BoltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// List returns entry metadata in key order. Unreadable entries are skipped.
func (b *BoltStore) List(_ context.Context) ([]EntryInfo, error) {
	var infos []EntryInfo
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return nil
			}
			infos = append(infos, EntryInfo{Key: string(k), FetchedAt: env.FetchedAt, Size: env.Size})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return infos, nil
}

// Close closes the database and releases resources.
func (b *BoltStore) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
