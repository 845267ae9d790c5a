// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheStale  CacheResult = "stale"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Surface     string
	CacheResult CacheResult
	Endpoint    string
	Degraded    bool
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context carried below
// the HTTP layer.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetSurface sets the surface tag (api, mcp, ops) for metrics and logging.
func SetSurface(r *http.Request, surface string) {
	if tags := GetTags(r); tags != nil {
		tags.Surface = surface
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// MarkDegraded flags the request as having been served from stale data.
func MarkDegraded(ctx context.Context) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.Degraded = true
		tags.CacheResult = CacheStale
	}
}
