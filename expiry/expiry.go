// Package expiry refreshes stale cache entries in the background and purges
// entries that have been stale for too long.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/cache"
	"github.com/wolfeidau/rule-cache/telemetry"
)

// Config holds refresh configuration.
type Config struct {
	// CheckInterval is how often stale entries are looked for.
	// Default is 15 minutes.
	CheckInterval time.Duration

	// MaxStale removes entries fetched longer ago than this, regardless of
	// whether they could be refreshed. Zero keeps stale entries forever so
	// they remain available as a fallback.
	MaxStale time.Duration

	// Logger for refresh events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 15 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Refresher re-fetches a single cache key from upstream.
type Refresher interface {
	Refresh(ctx context.Context, key string) error
}

// Manager periodically refreshes stale entries.
type Manager struct {
	config    Config
	cache     *cache.Cache
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new refresh manager.
func NewManager(c *cache.Cache, r Refresher, cfg Config) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:    cfg,
		cache:     c,
		refresher: r,
		logger:    cfg.Logger.With("component", "expiry"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins background refresh checks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background refresh checks and waits for an in-progress run.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

// Result contains the results of a refresh run.
type Result struct {
	Refreshed int
	Removed   int
	Failed    int
	Purged    int
	Duration  time.Duration
}

// RunOnce performs a single refresh pass.
func (m *Manager) RunOnce(ctx context.Context) *Result {
	return m.runOnce(ctx)
}

func (m *Manager) runOnce(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	m.logger.Debug("starting refresh check")

	if m.config.MaxStale > 0 {
		purged, err := m.cache.Purge(ctx, m.config.MaxStale)
		if err != nil {
			m.logger.Error("failed to purge stale entries", "error", err)
			result.Failed++
		}
		result.Purged = purged
	}

	keys, err := m.cache.StaleKeys(ctx)
	if err != nil {
		m.logger.Error("failed to list stale entries", "error", err)
		result.Failed++
		keys = nil
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		err := m.refresher.Refresh(ctx, key)
		switch {
		case err == nil:
			result.Refreshed++
			m.logger.Debug("refreshed entry", "key", key)
		case errors.Is(err, rulecache.ErrNotFound):
			result.Removed++
			m.logger.Debug("removed entry no longer upstream", "key", key)
		default:
			result.Failed++
			m.logger.Warn("failed to refresh entry",
				"key", key,
				"kind", rulecache.Classify(err),
				"error", err,
			)
		}
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordRefreshCycle(ctx, result.Refreshed, result.Failed, result.Purged+result.Removed, result.Duration)

	if result.Refreshed > 0 || result.Removed > 0 || result.Failed > 0 || result.Purged > 0 {
		m.logger.Info("refresh complete",
			"refreshed", result.Refreshed,
			"removed", result.Removed,
			"failed", result.Failed,
			"purged", result.Purged,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("refresh complete, nothing stale")
	}

	return result
}

// GetStats returns current cache statistics.
func (m *Manager) GetStats(ctx context.Context) (cache.Stats, error) {
	return m.cache.Stats(ctx)
}
