package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/rule-cache/telemetry"
)

// DefaultTTL is how long an entry stays fresh after it was fetched.
const DefaultTTL = time.Hour

// Freshness is the state of a cache entry relative to the TTL.
type Freshness int

const (
	Missing Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "missing"
	}
}

// Cache applies a TTL to a Store. An entry is fresh iff now - FetchedAt < TTL.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}

// FreshnessOf reports the freshness of an entry fetched at fetchedAt.
func (c *Cache) FreshnessOf(fetchedAt time.Time) Freshness {
	if c.now().Sub(fetchedAt) < c.ttl {
		return Fresh
	}
	return Stale
}

// Get returns the payload for key and its freshness. A missing key returns
// Missing with a nil error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, Freshness, error) {
	entry, freshness, err := c.Entry(ctx, key)
	if err != nil || entry == nil {
		return nil, freshness, err
	}
	return entry.Payload, freshness, nil
}

// Entry returns the full entry for key and its freshness.
func (c *Cache) Entry(ctx context.Context, key string) (*Entry, Freshness, error) {
	entry, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, Missing, nil
	}
	if err != nil {
		return nil, Missing, fmt.Errorf("reading cache entry %s: %w", key, err)
	}

	freshness := c.FreshnessOf(entry.FetchedAt)
	if freshness == Fresh {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
	} else {
		telemetry.RecordCacheLookup(ctx, telemetry.CacheStale)
	}
	return entry, freshness, nil
}

// Put stores payload under key with the current time as its fetch time.
func (c *Cache) Put(ctx context.Context, key string, payload []byte) (*Entry, error) {
	entry := &Entry{Key: key, Payload: payload, FetchedAt: c.now()}
	if err := c.store.Put(ctx, entry); err != nil {
		return nil, fmt.Errorf("writing cache entry %s: %w", key, err)
	}
	c.logger.Debug("cached entry", "key", key, "size", len(payload))
	return entry, nil
}

// Invalidate removes key so the next read refetches it.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidating cache entry %s: %w", key, err)
	}
	return nil
}

// StaleKeys returns the keys whose entries are no longer fresh, in key order.
func (c *Cache) StaleKeys(ctx context.Context) ([]string, error) {
	infos, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, info := range infos {
		if c.FreshnessOf(info.FetchedAt) == Stale {
			keys = append(keys, info.Key)
		}
	}
	return keys, nil
}

// Purge deletes entries fetched more than olderThan ago and returns how many
// were removed.
func (c *Cache) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	infos, err := c.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	purged := 0
	for _, info := range infos {
		if now.Sub(info.FetchedAt) < olderThan {
			continue
		}
		if err := c.store.Delete(ctx, info.Key); err != nil {
			return purged, fmt.Errorf("purging %s: %w", info.Key, err)
		}
		purged++
	}
	return purged, nil
}

// Stats summarises the cache contents.
type Stats struct {
	Entries    int    `json:"entries"`
	Fresh      int    `json:"fresh"`
	Stale      int    `json:"stale"`
	TotalBytes int64  `json:"total_bytes"`
	TTL        string `json:"ttl"`
}

// Stats returns counts of fresh and stale entries.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	infos, err := c.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Entries: len(infos), TTL: c.ttl.String()}
	for _, info := range infos {
		s.TotalBytes += info.Size
		if c.FreshnessOf(info.FetchedAt) == Fresh {
			s.Fresh++
		} else {
			s.Stale++
		}
	}
	return s, nil
}
