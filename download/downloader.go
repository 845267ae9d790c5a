// Package download provides singleflight-based deduplication for concurrent
// upstream fetches. When multiple requests arrive for the same missing or
// stale cache key, only one upstream fetch is performed.
package download

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/rule-cache/telemetry"
)

// Result holds the outcome of a fetch.
type Result struct {
	Data      []byte
	FetchedAt time.Time

	// Fetched is false when the flight found a fresh entry written by an
	// earlier flight and skipped the upstream call.
	Fetched bool
}

// DownloadFunc fetches from upstream and stores the result in the cache.
// The context passed to DownloadFunc is detached from any single request so
// that one caller timing out does not cancel the fetch for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same cache key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key.
// The fn receives a context detached from the caller's cancellation.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			telemetry.RecordCoalescedFetch(ctx)
			d.logger.Debug("joined in-flight fetch", "key", key)
		}
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group so the next call starts
// a fresh fetch instead of joining the one in flight. A finished flight is
// dropped automatically, failed or not.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}
