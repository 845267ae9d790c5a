// Package upstream fetches technology listings and rule documents from a
// GitHub repository through the contents API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/telemetry"
)

const (
	// DefaultBaseURL is the public GitHub API.
	DefaultBaseURL = "https://api.github.com"

	// DefaultRef is the branch rules are read from.
	DefaultRef = "main"

	// DefaultRulesRoot is the directory holding one sub-directory per technology.
	DefaultRulesRoot = "rules"

	// DefaultTimeout bounds a single request attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries after the first attempt for
	// transient failures.
	DefaultMaxRetries = 3

	// maxRetryAfter caps the wait a Retry-After header can impose.
	maxRetryAfter = time.Minute

	apiVersion = "2022-11-28"
	provider   = "github"
)

// DefaultExtensions are the file extensions listed as rule documents.
var DefaultExtensions = []string{".json", ".md", ".mdc"}

// Upstream fetches rules from a GitHub repository laid out as
// {root}/{technology}/{rule}.
type Upstream struct {
	owner      string
	repo       string
	baseURL    string
	ref        string
	root       string
	token      string
	extensions []string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	initial    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithBaseURL sets the API base URL, used for GitHub Enterprise and tests.
func WithBaseURL(u string) Option {
	return func(up *Upstream) {
		up.baseURL = strings.TrimRight(u, "/")
	}
}

// WithRef sets the branch, tag or commit to read.
func WithRef(ref string) Option {
	return func(up *Upstream) {
		up.ref = ref
	}
}

// WithRulesRoot sets the directory that holds the technology directories.
func WithRulesRoot(root string) Option {
	return func(up *Upstream) {
		up.root = strings.Trim(root, "/")
	}
}

// WithToken sets a bearer token. Anonymous access is used when empty.
func WithToken(token string) Option {
	return func(up *Upstream) {
		up.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(up *Upstream) {
		up.client = client
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(up *Upstream) {
		up.timeout = d
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(up *Upstream) {
		up.maxRetries = n
	}
}

// WithBackOff sets the initial and maximum retry intervals.
func WithBackOff(initial, maxInterval time.Duration) Option {
	return func(up *Upstream) {
		up.initial = initial
		up.maxBackoff = maxInterval
	}
}

// WithExtensions sets the file extensions treated as rule documents.
func WithExtensions(exts ...string) Option {
	return func(up *Upstream) {
		up.extensions = exts
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(up *Upstream) {
		up.logger = logger
	}
}

// NewUpstream creates a client for repository, given as owner/name. A
// malformed repository identifier is a fatal configuration error.
func NewUpstream(repository string, opts ...Option) (*Upstream, error) {
	owner, repo, ok := strings.Cut(strings.TrimSpace(repository), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: repository must be owner/name, got %q", rulecache.ErrFatal, repository)
	}

	up := &Upstream{
		owner:      owner,
		repo:       repo,
		baseURL:    DefaultBaseURL,
		ref:        DefaultRef,
		root:       DefaultRulesRoot,
		extensions: DefaultExtensions,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, provider),
		},
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		initial:    500 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(up)
	}
	if up.maxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must not be negative, got %d", rulecache.ErrFatal, up.maxRetries)
	}
	if up.timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %s", rulecache.ErrFatal, up.timeout)
	}
	up.logger = up.logger.With("component", "upstream", "repository", owner+"/"+repo)
	return up, nil
}

// Repository returns the owner/name identifier.
func (u *Upstream) Repository() string {
	return u.owner + "/" + u.repo
}

type contentEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// ListTechnologies returns the directory names under the rules root, sorted.
func (u *Upstream) ListTechnologies(ctx context.Context) ([]string, error) {
	entries, err := u.listDir(ctx, u.root)
	if err != nil {
		return nil, fmt.Errorf("listing technologies: %w", err)
	}

	var techs []string
	for _, e := range entries {
		if e.Type == "dir" {
			techs = append(techs, e.Name)
		}
	}
	slices.Sort(techs)
	return techs, nil
}

// ListRules returns the rule file names for a technology in listing order.
func (u *Upstream) ListRules(ctx context.Context, technology string) ([]string, error) {
	if err := validSegment(technology); err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}

	entries, err := u.listDir(ctx, path.Join(u.root, technology))
	if err != nil {
		return nil, fmt.Errorf("listing rules for %s: %w", technology, err)
	}

	var names []string
	for _, e := range entries {
		if e.Type == "file" && u.isRuleFile(e.Name) {
			names = append(names, e.Name)
		}
	}
	return names, nil
}

// FetchRule returns the raw content of one rule document.
func (u *Upstream) FetchRule(ctx context.Context, technology, name string) ([]byte, error) {
	if err := validSegment(technology); err != nil {
		return nil, fmt.Errorf("fetching rule: %w", err)
	}
	if err := validSegment(name); err != nil {
		return nil, fmt.Errorf("fetching rule: %w", err)
	}

	data, err := u.get(ctx, path.Join(u.root, technology, name), "application/vnd.github.raw+json")
	if err != nil {
		return nil, fmt.Errorf("fetching rule %s/%s: %w", technology, name, err)
	}
	return data, nil
}

func (u *Upstream) listDir(ctx context.Context, dir string) ([]contentEntry, error) {
	data, err := u.get(ctx, dir, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}

	var entries []contentEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// The contents API returns an object rather than an array for files.
		return nil, fmt.Errorf("%w: %s is not a directory", rulecache.ErrNotFound, dir)
	}
	return entries, nil
}

func (u *Upstream) isRuleFile(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return slices.Contains(u.extensions, ext)
}

// get performs a contents API request with per-attempt timeouts, retrying
// transient failures with exponential backoff.
func (u *Upstream) get(ctx context.Context, p, accept string) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s", u.baseURL,
		url.PathEscape(u.owner), url.PathEscape(u.repo), escapePath(p))
	if u.ref != "" {
		reqURL += "?ref=" + url.QueryEscape(u.ref)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = u.initial
	exp.MaxInterval = u.maxBackoff
	b := &retryAfterBackOff{BackOff: exp}

	attempt := 0
	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		data, err := u.attempt(ctx, reqURL, accept)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil || !errors.Is(err, rulecache.ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		var rl *rateLimitError
		if errors.As(err, &rl) {
			b.wait = rl.retryAfter
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(u.maxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			u.logger.Warn("retrying upstream request",
				"path", p,
				"attempt", attempt,
				"next", next,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (u *Upstream) attempt(ctx context.Context, reqURL, accept string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", rulecache.ErrFatal, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", "rule-cache")
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", rulecache.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading response: %v", rulecache.ErrTransient, err)
	}
	return data, nil
}

// classifyStatus maps a GitHub response status onto the failure taxonomy.
func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: upstream returned %d", rulecache.ErrNotFound, code)
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: upstream rejected credentials (%d)", rulecache.ErrFatal, code)
	case code == http.StatusForbidden:
		if rateLimited(resp) {
			return newRateLimitError(resp)
		}
		return fmt.Errorf("%w: upstream denied access (%d)", rulecache.ErrFatal, code)
	case code == http.StatusTooManyRequests:
		return newRateLimitError(resp)
	case code >= 500:
		return fmt.Errorf("%w: upstream returned %d", rulecache.ErrTransient, code)
	default:
		return fmt.Errorf("%w: unexpected upstream status %d", rulecache.ErrFatal, code)
	}
}

// rateLimited reports whether a 403 is GitHub throttling rather than a
// permission failure. Primary limits zero X-RateLimit-Remaining; secondary
// limits send Retry-After or say so in the body while quota remains.
func rateLimited(resp *http.Response) bool {
	if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != "" {
		return true
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return strings.Contains(strings.ToLower(string(body)), "rate limit")
}

// rateLimitError is a transient failure carrying the server's requested wait.
type rateLimitError struct {
	code       int
	retryAfter time.Duration
}

func newRateLimitError(resp *http.Response) *rateLimitError {
	return &rateLimitError{code: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("%v: rate limited (%d)", rulecache.ErrTransient, e.code)
}

func (e *rateLimitError) Unwrap() error { return rulecache.ErrTransient }

// parseRetryAfter accepts delay seconds or an HTTP date, capped at maxRetryAfter.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	return min(max(d, 0), maxRetryAfter)
}

// retryAfterBackOff waits at least as long as the last Retry-After asked.
type retryAfterBackOff struct {
	backoff.BackOff
	wait time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if b.wait > next {
		next = b.wait
	}
	b.wait = 0
	return next
}

func validSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: invalid identifier %q", rulecache.ErrNotFound, s)
	}
	return nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
