// Package resolver turns a file context or a list of technologies into rule
// documents, reading through the cache and coalescing upstream fetches.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/cache"
	"github.com/wolfeidau/rule-cache/detect"
	"github.com/wolfeidau/rule-cache/download"
	"github.com/wolfeidau/rule-cache/telemetry"
)

// DefaultConcurrency bounds parallel technology and document fetches.
const DefaultConcurrency = 8

// Provider is the remote source of rules.
type Provider interface {
	ListTechnologies(ctx context.Context) ([]string, error)
	ListRules(ctx context.Context, technology string) ([]string, error)
	FetchRule(ctx context.Context, technology, name string) ([]byte, error)
}

// Issue records a technology or document that could not be served fresh.
type Issue struct {
	Technology string              `json:"technology"`
	Rule       string              `json:"rule,omitempty"`
	Kind       rulecache.ErrorKind `json:"kind"`
	// Stale is true when stale data was served in place of the failed refresh.
	Stale   bool   `json:"stale"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func newIssue(tech, rule string, stale bool, err error) Issue {
	return Issue{
		Technology: tech,
		Rule:       rule,
		Kind:       rulecache.Classify(err),
		Stale:      stale,
		Message:    err.Error(),
		Err:        err,
	}
}

// Result is the outcome of a resolution. Rules are ordered by technology,
// then by the upstream listing order within a technology.
type Result struct {
	Technologies []string                 `json:"technologies"`
	Rules        []rulecache.RuleDocument `json:"rules"`
	Issues       []Issue                  `json:"issues,omitempty"`
	// Fallback is true when detection found nothing and the configured
	// default technologies were used.
	Fallback bool `json:"fallback"`
	// Degraded is true when the result is partial: a sub-result was omitted
	// after a failure other than NotFound, or was served stale.
	Degraded bool `json:"degraded"`
	// Stale is true when any data was served stale.
	Stale bool `json:"stale"`
}

// Resolver composes the cache, the downloader and the provider.
type Resolver struct {
	cache       *cache.Cache
	provider    Provider
	detector    *detect.Detector
	downloader  *download.Downloader
	defaults    []string
	concurrency int
	logger      *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDetector sets the technology detector.
func WithDetector(d *detect.Detector) Option {
	return func(r *Resolver) {
		r.detector = d
	}
}

// WithDownloader sets the downloader used to coalesce fetches.
func WithDownloader(d *download.Downloader) Option {
	return func(r *Resolver) {
		r.downloader = d
	}
}

// WithDefaultTechnologies sets the technologies used when detection yields
// only detect.Unknown.
func WithDefaultTechnologies(techs ...string) Option {
	return func(r *Resolver) {
		r.defaults = slices.Clone(techs)
	}
}

// WithConcurrency bounds parallel fetches.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Resolver.
func New(c *cache.Cache, provider Provider, opts ...Option) *Resolver {
	r := &Resolver{
		cache:       c,
		provider:    provider,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolver")
	if r.detector == nil {
		r.detector = detect.New(detect.WithLogger(r.logger))
	}
	if r.downloader == nil {
		r.downloader = download.New(download.WithLogger(r.logger))
	}
	return r
}

// Detector returns the detector used for file contexts.
func (r *Resolver) Detector() *detect.Detector {
	return r.detector
}

// Defaults returns the configured fallback technologies.
func (r *Resolver) Defaults() []string {
	return slices.Clone(r.defaults)
}

// Resolve detects the technologies for fc and returns their rule documents.
// Only fatal errors fail the call; other failures are reported as issues.
func (r *Resolver) Resolve(ctx context.Context, fc rulecache.FileContext) (*Result, error) {
	techs := r.detector.Detect(fc)
	fallback := false
	if len(techs) == 1 && techs[0] == detect.Unknown {
		fallback = true
		techs = r.Defaults()
		r.logger.Debug("no technology detected, using defaults", "file_path", fc.FilePath, "defaults", techs)
	}

	res, err := r.ResolveTechnologies(ctx, techs)
	if err != nil {
		return nil, err
	}
	res.Fallback = fallback
	return res, nil
}

// ResolveTechnologies returns the rule documents of each technology in the
// order given. A failing technology is omitted and reported as an issue.
func (r *Resolver) ResolveTechnologies(ctx context.Context, techs []string) (*Result, error) {
	type techResult struct {
		docs   []rulecache.RuleDocument
		issues []Issue
	}
	results := make([]techResult, len(techs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, tech := range techs {
		g.Go(func() error {
			docs, issues, err := r.Rules(gctx, tech)
			if err != nil {
				if rulecache.IsFatal(err) {
					return err
				}
				results[i].issues = append(results[i].issues, newIssue(tech, "", false, err))
				return nil
			}
			results[i] = techResult{docs: docs, issues: issues}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{Technologies: slices.Clone(techs), Rules: []rulecache.RuleDocument{}}
	if res.Technologies == nil {
		res.Technologies = []string{}
	}
	for _, tr := range results {
		res.Rules = append(res.Rules, tr.docs...)
		res.Issues = append(res.Issues, tr.issues...)
	}
	for _, issue := range res.Issues {
		if issue.Stale {
			res.Stale = true
		}
		if issue.Stale || issue.Kind != rulecache.KindNotFound {
			res.Degraded = true
		}
	}
	for _, issue := range res.Issues {
		r.logger.Warn("rule resolution issue",
			"technology", issue.Technology,
			"rule", issue.Rule,
			"kind", issue.Kind,
			"stale", issue.Stale,
			"error", issue.Err,
		)
	}
	return res, nil
}

// Technologies returns the technologies available upstream.
func (r *Resolver) Technologies(ctx context.Context) ([]string, *Issue, error) {
	l, err := r.lookup(ctx, cache.TechnologiesKey, r.fetchTechnologies)
	if err != nil {
		return nil, nil, err
	}

	var techs []string
	if err := json.Unmarshal(l.data, &techs); err != nil {
		return nil, nil, fmt.Errorf("decoding technologies: %w", err)
	}
	return techs, l.issue("", ""), nil
}

// RuleNames returns the rule file names of a technology in listing order.
func (r *Resolver) RuleNames(ctx context.Context, tech string) ([]string, *Issue, error) {
	l, err := r.lookup(ctx, cache.RulesKey(tech), r.fetchRuleNames(tech))
	if err != nil {
		return nil, nil, err
	}

	var names []string
	if err := json.Unmarshal(l.data, &names); err != nil {
		return nil, nil, fmt.Errorf("decoding rules for %s: %w", tech, err)
	}
	return names, l.issue(tech, ""), nil
}

// Rules returns all rule documents of a technology in listing order. A
// document that cannot be fetched is omitted and reported as an issue; an
// error is returned only when the listing itself is unavailable or a
// fatal error occurs.
func (r *Resolver) Rules(ctx context.Context, tech string) ([]rulecache.RuleDocument, []Issue, error) {
	names, listIssue, err := r.RuleNames(ctx, tech)
	if err != nil {
		return nil, nil, err
	}

	type docResult struct {
		doc   *rulecache.RuleDocument
		issue *Issue
	}
	results := make([]docResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, name := range names {
		g.Go(func() error {
			doc, issue, err := r.document(gctx, tech, name)
			if err != nil {
				if rulecache.IsFatal(err) {
					return err
				}
				is := newIssue(tech, name, false, err)
				results[i].issue = &is
				return nil
			}
			results[i] = docResult{doc: doc, issue: issue}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	docs := make([]rulecache.RuleDocument, 0, len(names))
	var issues []Issue
	if listIssue != nil {
		issues = append(issues, *listIssue)
	}
	for _, dr := range results {
		if dr.doc != nil {
			docs = append(docs, *dr.doc)
		}
		if dr.issue != nil {
			issues = append(issues, *dr.issue)
		}
	}
	return docs, issues, nil
}

// Rule returns one document, matched by file name or by ID.
func (r *Resolver) Rule(ctx context.Context, tech, rule string) (*rulecache.RuleDocument, *Issue, error) {
	names, _, err := r.RuleNames(ctx, tech)
	if err != nil {
		return nil, nil, err
	}

	idx := slices.IndexFunc(names, func(name string) bool {
		return name == rule || rulecache.RuleID(name) == rule
	})
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: rule %s/%s", rulecache.ErrNotFound, tech, rule)
	}
	return r.document(ctx, tech, names[idx])
}

// Refresh re-fetches key from upstream regardless of its freshness. Keys
// that no longer exist upstream are invalidated.
func (r *Resolver) Refresh(ctx context.Context, key string) error {
	var fetch func(context.Context) ([]byte, error)
	switch kind, tech, name := cache.ParseKey(key); kind {
	case cache.KindTechnologies:
		fetch = r.fetchTechnologies
	case cache.KindRules:
		fetch = r.fetchRuleNames(tech)
	case cache.KindRule:
		fetch = func(ctx context.Context) ([]byte, error) {
			return r.provider.FetchRule(ctx, tech, name)
		}
	default:
		return fmt.Errorf("refreshing %q: unrecognised cache key", key)
	}

	_, _, err := r.downloader.Do(ctx, key, func(fctx context.Context) (*download.Result, error) {
		return r.fetchAndStore(fctx, key, fetch)
	})
	if errors.Is(err, rulecache.ErrNotFound) {
		if invErr := r.cache.Invalidate(ctx, key); invErr != nil {
			r.logger.Warn("invalidating removed entry", "key", key, "error", invErr)
		}
	}
	return err
}

func (r *Resolver) document(ctx context.Context, tech, name string) (*rulecache.RuleDocument, *Issue, error) {
	l, err := r.lookup(ctx, cache.RuleKey(tech, name), func(ctx context.Context) ([]byte, error) {
		return r.provider.FetchRule(ctx, tech, name)
	})
	if err != nil {
		return nil, nil, err
	}
	doc := rulecache.NewRuleDocument(tech, name, l.data, l.fetchedAt)
	doc.Stale = l.stale
	return &doc, l.issue(tech, name), nil
}

func (r *Resolver) fetchTechnologies(ctx context.Context) ([]byte, error) {
	techs, err := r.provider.ListTechnologies(ctx)
	if err != nil {
		return nil, err
	}
	if techs == nil {
		techs = []string{}
	}
	return json.Marshal(techs)
}

func (r *Resolver) fetchRuleNames(tech string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		names, err := r.provider.ListRules(ctx, tech)
		if err != nil {
			return nil, err
		}
		if names == nil {
			names = []string{}
		}
		return json.Marshal(names)
	}
}

// lookupResult is a cache read, possibly served stale after a failed refresh.
type lookupResult struct {
	data      []byte
	fetchedAt time.Time
	stale     bool
	cause     error
}

func (l *lookupResult) issue(tech, rule string) *Issue {
	if !l.stale {
		return nil
	}
	is := newIssue(tech, rule, true, l.cause)
	return &is
}

// lookup implements read-through: fresh entries are returned directly,
// missing or stale entries are fetched once per key however many callers
// are waiting. When the fetch fails and a stale entry exists it is served
// flagged stale, unless the failure is fatal or the key no longer exists
// upstream.
func (r *Resolver) lookup(ctx context.Context, key string, fetch func(context.Context) ([]byte, error)) (*lookupResult, error) {
	entry, freshness, err := r.cache.Entry(ctx, key)
	if err != nil {
		r.logger.Warn("cache read failed, fetching upstream", "key", key, "error", err)
		entry, freshness = nil, cache.Missing
	}
	if freshness == cache.Fresh {
		return &lookupResult{data: entry.Payload, fetchedAt: entry.FetchedAt}, nil
	}

	res, shared, err := r.downloader.Do(ctx, key, func(fctx context.Context) (*download.Result, error) {
		// Another flight may have completed between our read and this one starting.
		if e, f, err := r.cache.Entry(fctx, key); err == nil && f == cache.Fresh {
			return &download.Result{Data: e.Payload, FetchedAt: e.FetchedAt}, nil
		}
		return r.fetchAndStore(fctx, key, fetch)
	})
	if err == nil {
		r.logger.Debug("resolved key", "key", key, "fetched", res.Fetched, "shared", shared)
		return &lookupResult{data: res.Data, fetchedAt: res.FetchedAt}, nil
	}

	if ctx.Err() != nil || rulecache.IsFatal(err) {
		return nil, err
	}
	if errors.Is(err, rulecache.ErrNotFound) {
		if entry != nil {
			if invErr := r.cache.Invalidate(ctx, key); invErr != nil {
				r.logger.Warn("invalidating removed entry", "key", key, "error", invErr)
			}
		}
		return nil, err
	}
	if entry == nil {
		return nil, err
	}

	r.logger.Warn("serving stale entry after failed refresh",
		"key", key,
		"age", r.cache.Now().Sub(entry.FetchedAt),
		"error", err,
	)
	telemetry.MarkDegraded(ctx)
	return &lookupResult{data: entry.Payload, fetchedAt: entry.FetchedAt, stale: true, cause: err}, nil
}

func (r *Resolver) fetchAndStore(ctx context.Context, key string, fetch func(context.Context) ([]byte, error)) (*download.Result, error) {
	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	entry, err := r.cache.Put(ctx, key, data)
	if err != nil {
		r.logger.Warn("storing fetched entry", "key", key, "error", err)
		return &download.Result{Data: data, FetchedAt: r.cache.Now(), Fetched: true}, nil
	}
	return &download.Result{Data: entry.Payload, FetchedAt: entry.FetchedAt, Fetched: true}, nil
}
