package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
}

func TestInjectTags_DefaultsSurfaceEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.Empty(t, tags.Surface)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetSurface(t *testing.T) {
	r := newTaggedRequest()
	SetSurface(r, "mcp")
	require.Equal(t, "mcp", GetTags(r).Surface)
}

func TestSetSurface_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetSurface(r, "mcp") // should not panic
}

func TestSetCacheResult(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResult(r, CacheHit)
	require.Equal(t, CacheHit, GetTags(r).CacheResult)
}

func TestSetCacheResult_OverridesDefault(t *testing.T) {
	r := newTaggedRequest()
	require.Equal(t, CacheBypass, GetTags(r).CacheResult)
	SetCacheResult(r, CacheMiss)
	require.Equal(t, CacheMiss, GetTags(r).CacheResult)
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "deploy")
	require.Equal(t, "deploy", GetTags(r).Endpoint)
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetSurface(r, "api")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "rule")

	require.Equal(t, "api", tags.Surface)
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "rule", tags.Endpoint)
}

func TestMarkDegraded(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResult(r, CacheHit)

	MarkDegraded(r.Context())

	tags := GetTags(r)
	require.True(t, tags.Degraded)
	require.Equal(t, CacheStale, tags.CacheResult)
}

func TestMarkDegraded_NoopWithoutTags(t *testing.T) {
	MarkDegraded(context.Background()) // should not panic
}
