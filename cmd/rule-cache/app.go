package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/cache"
	"github.com/wolfeidau/rule-cache/credentials"
	"github.com/wolfeidau/rule-cache/credentials/ghprovider"
	"github.com/wolfeidau/rule-cache/credentials/opprovider"
	"github.com/wolfeidau/rule-cache/deploy"
	"github.com/wolfeidau/rule-cache/download"
	"github.com/wolfeidau/rule-cache/engine"
	"github.com/wolfeidau/rule-cache/expiry"
	"github.com/wolfeidau/rule-cache/resolver"
	"github.com/wolfeidau/rule-cache/telemetry"
	"github.com/wolfeidau/rule-cache/upstream"
)

// app holds the components shared by every command.
type app struct {
	logger   *slog.Logger
	store    cache.Store
	cache    *cache.Cache
	resolver *resolver.Resolver
	engine   *engine.Engine
	expiry   *expiry.Manager

	shutdownMetrics func(context.Context) error
}

func newApp(ctx context.Context, g *Globals, logger *slog.Logger) (*app, error) {
	if strings.TrimSpace(g.Repository) == "" {
		return nil, fmt.Errorf("%w: --repository or GITHUB_REPOSITORY is required", rulecache.ErrFatal)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}

	token, baseURL := g.GitHubToken, g.GitHubAPIURL
	if g.CredentialsFile != "" {
		creds, err := credentials.NewResolver(
			credentials.WithLogger(logger),
			opprovider.WithOnePassword(),
			ghprovider.WithGitHubCLI(),
		).ResolveFile(ctx, g.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving credentials: %w", rulecache.ErrFatal, err)
		}
		if t := creds.GitHubToken(); t != "" {
			token = t
		}
		if u := creds.GitHubBaseURL(); u != "" {
			baseURL = u
		}
	}

	up, err := upstream.NewUpstream(g.Repository,
		upstream.WithBaseURL(baseURL),
		upstream.WithRef(g.Ref),
		upstream.WithRulesRoot(g.RulesRoot),
		upstream.WithToken(token),
		upstream.WithTimeout(g.UpstreamTimeout),
		upstream.WithMaxRetries(g.UpstreamRetries),
		upstream.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      cmdName,
		ServiceVersion:   version,
		OTLPEndpoint:     g.OTLPEndpoint,
		EnablePrometheus: g.MetricsPrometheus,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	var store cache.Store
	if g.CachePersist {
		store, err = cache.OpenBoltStore(g.CacheDir, cache.WithBoltLogger(logger))
		if err != nil {
			_ = shutdownMetrics(ctx)
			return nil, fmt.Errorf("opening cache: %w", err)
		}
	} else {
		store = cache.NewMemoryStore()
	}

	c := cache.New(store,
		cache.WithTTL(time.Duration(g.CacheTTL)*time.Second),
		cache.WithLogger(logger),
	)

	resolverOpts := []resolver.Option{
		resolver.WithDownloader(download.New(download.WithLogger(logger))),
		resolver.WithConcurrency(g.Concurrency),
		resolver.WithLogger(logger),
	}
	if len(g.DefaultTechnologies) > 0 {
		resolverOpts = append(resolverOpts, resolver.WithDefaultTechnologies(g.DefaultTechnologies...))
	}
	res := resolver.New(c, up, resolverOpts...)

	a := &app{
		logger:          logger,
		store:           store,
		cache:           c,
		resolver:        res,
		engine:          engine.New(res, deploy.NewEngine(deploy.WithNamespace(g.Namespace), deploy.WithLogger(logger)), engine.WithLogger(logger)),
		shutdownMetrics: shutdownMetrics,
	}

	if g.RefreshInterval > 0 {
		a.expiry = expiry.NewManager(c, res, expiry.Config{
			CheckInterval: g.RefreshInterval,
			MaxStale:      g.MaxStale,
			Logger:        logger,
		})
	}

	logger.Debug("components initialized",
		"repository", up.Repository(),
		"ref", g.Ref,
		"persist", g.CachePersist,
		"ttl_seconds", g.CacheTTL,
	)
	return a, nil
}

// validate rejects numeric options that would disable caching or retry limits.
func (g *Globals) validate() error {
	switch {
	case g.CacheTTL <= 0:
		return fmt.Errorf("%w: --cache-ttl must be positive, got %d", rulecache.ErrFatal, g.CacheTTL)
	case g.UpstreamRetries < 0:
		return fmt.Errorf("%w: --upstream-retries must not be negative, got %d", rulecache.ErrFatal, g.UpstreamRetries)
	case g.UpstreamTimeout <= 0:
		return fmt.Errorf("%w: --upstream-timeout must be positive, got %s", rulecache.ErrFatal, g.UpstreamTimeout)
	case g.Concurrency <= 0:
		return fmt.Errorf("%w: --concurrency must be positive, got %d", rulecache.ErrFatal, g.Concurrency)
	case g.RefreshInterval < 0, g.MaxStale < 0:
		return fmt.Errorf("%w: --refresh-interval and --max-stale must not be negative", rulecache.ErrFatal)
	}
	return nil
}

// Close releases the cache store and flushes metrics.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(a.store.Close(), a.shutdownMetrics(ctx))
}
