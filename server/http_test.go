package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	rulecache "github.com/wolfeidau/rule-cache"
	"github.com/wolfeidau/rule-cache/cache"
	"github.com/wolfeidau/rule-cache/deploy"
	"github.com/wolfeidau/rule-cache/engine"
	"github.com/wolfeidau/rule-cache/resolver"
)

type stubProvider struct {
	mu      sync.Mutex
	rules   map[string][]string
	content map[string]string
	errs    map[string]error
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		rules: map[string][]string{
			"golang": {"errors.md"},
			"python": {"style.md", "broken.md"},
		},
		content: map[string]string{
			"golang/errors.md": "---\ndescription: Errors\n---\nWrap errors.\n",
			"python/style.md":  "Use black.\n",
		},
		errs: map[string]error{},
	}
}

func (p *stubProvider) setErr(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[key] = err
}

func (p *stubProvider) err(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs[key]
}

func (p *stubProvider) ListTechnologies(ctx context.Context) ([]string, error) {
	if err := p.err(cache.TechnologiesKey); err != nil {
		return nil, err
	}
	return []string{"golang", "python"}, nil
}

func (p *stubProvider) ListRules(ctx context.Context, tech string) ([]string, error) {
	if err := p.err(cache.RulesKey(tech)); err != nil {
		return nil, err
	}
	names, ok := p.rules[tech]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rulecache.ErrNotFound, tech)
	}
	return names, nil
}

func (p *stubProvider) FetchRule(ctx context.Context, tech, name string) ([]byte, error) {
	if err := p.err(cache.RuleKey(tech, name)); err != nil {
		return nil, err
	}
	content, ok := p.content[tech+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%w: upstream returned 503", rulecache.ErrTransient)
	}
	return []byte(content), nil
}

func newTestServer(t *testing.T, p *stubProvider, mcp http.Handler) *httptest.Server {
	t.Helper()
	c := cache.New(cache.NewMemoryStore(), cache.WithTTL(time.Hour))
	eng := engine.New(resolver.New(c, p), deploy.NewEngine())
	s, err := New(Config{Engine: eng, Cache: c, MCP: mcp})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func postJSON(t *testing.T, url, body string, v any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/health", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRequestIDPropagated(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "abc-123", resp.Header.Get("X-Request-ID"))
}

func TestTechnologies(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	var body technologiesResponse
	resp := getJSON(t, ts.URL+"/api/v1/technologies", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"golang", "python"}, body.Technologies)
}

func TestRules_PartialFailureIsOK(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	var body struct {
		Technology string           `json:"technology"`
		Rules      []map[string]any `json:"rules"`
		Issues     []resolver.Issue `json:"issues"`
	}
	resp := getJSON(t, ts.URL+"/api/v1/technologies/python/rules", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body.Rules, 1)
	require.Equal(t, "style.md", body.Rules[0]["name"])
	require.Equal(t, "Use black.\n", body.Rules[0]["content"])
	require.Len(t, body.Issues, 1)
	require.Equal(t, "broken.md", body.Issues[0].Rule)
	require.Equal(t, rulecache.KindTransient, body.Issues[0].Kind)
}

func TestRule(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	var body struct {
		Rule map[string]any `json:"rule"`
	}
	resp := getJSON(t, ts.URL+"/api/v1/technologies/go/rules/errors", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "errors.md", body.Rule["name"])
	require.Equal(t, "golang", body.Rule["technology"])
	meta, ok := body.Rule["meta"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Errors", meta["description"])
}

func TestRule_Raw(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	resp, err := http.Get(ts.URL + "/api/v1/technologies/golang/rules/errors.md?format=raw")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "---\ndescription: Errors\n---\nWrap errors.\n", string(data))
	require.Equal(t, `"`+rulecache.HashBytes(data).String()+`"`, resp.Header.Get("ETag"))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/technologies/golang/rules/errors.md?format=raw", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", resp.Header.Get("ETag"))
	notModified, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer notModified.Body.Close()
	require.Equal(t, http.StatusNotModified, notModified.StatusCode)
}

func TestRule_NotFound(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	var body errorResponse
	resp := getJSON(t, ts.URL+"/api/v1/technologies/golang/rules/absent", &body)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, rulecache.KindNotFound, body.Kind)
}

func TestContextRules(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	var body contextRulesResponse
	resp := postJSON(t, ts.URL+"/api/v1/context/rules", `{"file_path":"cmd/main.go"}`, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"golang"}, body.Technologies)
	require.Len(t, body.Rules, 1)
	require.False(t, body.Fallback)
}

func TestContextRules_BadJSON(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	resp := postJSON(t, ts.URL+"/api/v1/context/rules", `{"file_path":`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContextRules_EmptyContext(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	resp := postJSON(t, ts.URL+"/api/v1/context/rules", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestContextRules_FatalIsBadGateway(t *testing.T) {
	p := newStubProvider()
	p.setErr(cache.RulesKey("golang"), fmt.Errorf("%w: upstream returned 401", rulecache.ErrFatal))
	ts := newTestServer(t, p, nil)

	var body errorResponse
	resp := postJSON(t, ts.URL+"/api/v1/context/rules", `{"file_path":"main.go"}`, &body)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, rulecache.KindFatal, body.Kind)
}

func TestDeploy(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)
	dir := t.TempDir()

	reqBody, err := json.Marshal(engine.DeployRequest{TargetDir: dir, Technology: "golang"})
	require.NoError(t, err)

	var body struct {
		Technologies []string      `json:"technologies"`
		Report       deploy.Report `json:"report"`
	}
	resp := postJSON(t, ts.URL+"/api/v1/deploy", string(reqBody), &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"golang"}, body.Technologies)
	require.Equal(t, []string{".cursor-rules/golang/errors.md"}, body.Report.Written)

	_, err = os.Stat(filepath.Join(dir, ".cursor-rules", "golang", "errors.md"))
	require.NoError(t, err)
}

func TestDeploy_MissingTarget(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	resp := postJSON(t, ts.URL+"/api/v1/deploy", `{"technology":"golang"}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, newStubProvider(), nil)

	getJSON(t, ts.URL+"/api/v1/technologies", nil)

	var stats cache.Stats
	resp := getJSON(t, ts.URL+"/stats", &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, 1, stats.Fresh)
	require.Equal(t, "1h0m0s", stats.TTL)
}

func TestMCPMounted(t *testing.T) {
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	ts := newTestServer(t, newStubProvider(), mcp)

	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestDeriveSurface(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "internal"},
		{"/metrics", "internal"},
		{"/mcp", "mcp"},
		{"/api/v1/deploy", "api"},
		{"/other", "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, deriveSurface(tt.path), tt.path)
	}
}
