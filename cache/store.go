// Package cache provides the time-bounded cache of technology listings, rule
// listings and rule documents. The cache is passive: it never fetches.
package cache

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store when a key has no entry.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached payload and the time it was fetched from upstream.
type Entry struct {
	Key       string
	Payload   []byte
	FetchedAt time.Time
}

// EntryInfo describes an entry without its payload.
type EntryInfo struct {
	Key       string
	FetchedAt time.Time
	Size      int64
}

// Store persists cache entries. Implementations must be safe for concurrent
// use and must not serialize access to distinct keys for longer than a
// single read or write.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]EntryInfo, error)
	Close() error
}

// MemoryStore is an in-process Store. Keys are independent; operations on
// one key never wait for another.
type MemoryStore struct {
	entries sync.Map // string -> *Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	v, ok := m.entries.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(*Entry)
	return &Entry{Key: e.Key, Payload: slices.Clone(e.Payload), FetchedAt: e.FetchedAt}, nil
}

func (m *MemoryStore) Put(_ context.Context, entry *Entry) error {
	m.entries.Store(entry.Key, &Entry{
		Key:       entry.Key,
		Payload:   slices.Clone(entry.Payload),
		FetchedAt: entry.FetchedAt,
	})
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.entries.Delete(key)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]EntryInfo, error) {
	var infos []EntryInfo
	m.entries.Range(func(_, v any) bool {
		e := v.(*Entry)
		infos = append(infos, EntryInfo{Key: e.Key, FetchedAt: e.FetchedAt, Size: int64(len(e.Payload))})
		return true
	})
	slices.SortFunc(infos, func(a, b EntryInfo) int { return strings.Compare(a.Key, b.Key) })
	return infos, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
