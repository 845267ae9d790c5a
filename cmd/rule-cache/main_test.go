package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rulecache "github.com/wolfeidau/rule-cache"
)

var envVars = []string{
	"GITHUB_REPOSITORY", "GITHUB_REF", "GITHUB_TOKEN", "GITHUB_API_URL", "CREDENTIALS_FILE",
	"RULES_ROOT", "RULES_CACHE_TTL", "RULES_LOCAL_PATH", "RULES_CACHE_PERSIST",
	"RULES_REFRESH_INTERVAL", "RULES_DEFAULT_TECHNOLOGIES", "API_HOST", "API_PORT",
}

// clearEnv unsets variables CI runners commonly export, restoring them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envVars {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
}

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()

	var cli CLI
	parser, err := kong.New(&cli, kong.Name(cmdName), kong.Vars{"version": "test"}, kong.Bind(&cli.Globals))
	require.NoError(t, err)

	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, kctx
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)
	cli, kctx := parse(t, "technologies")

	assert.Equal(t, "technologies", kctx.Command())
	assert.Equal(t, "main", cli.Ref)
	assert.Equal(t, "rules", cli.RulesRoot)
	assert.Equal(t, "https://api.github.com", cli.GitHubAPIURL)
	assert.Equal(t, 3600, cli.CacheTTL)
	assert.Equal(t, "./rules", cli.CacheDir)
	assert.True(t, cli.CachePersist)
	assert.Equal(t, 30*time.Second, cli.UpstreamTimeout)
	assert.Equal(t, 3, cli.UpstreamRetries)
	assert.Zero(t, cli.RefreshInterval)
	assert.Equal(t, ".cursor-rules", cli.Namespace)
}

func TestParse_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_REPOSITORY", "acme/rules")
	t.Setenv("RULES_CACHE_TTL", "60")
	t.Setenv("RULES_CACHE_PERSIST", "false")
	t.Setenv("RULES_DEFAULT_TECHNOLOGIES", "golang,python")
	t.Setenv("API_PORT", "9000")

	cli, kctx := parse(t, "serve")

	assert.Equal(t, "serve", kctx.Command())
	assert.Equal(t, "acme/rules", cli.Repository)
	assert.Equal(t, 60, cli.CacheTTL)
	assert.False(t, cli.CachePersist)
	assert.Equal(t, []string{"golang", "python"}, cli.DefaultTechnologies)
	assert.Equal(t, 9000, cli.Serve.Port)
	assert.Equal(t, "0.0.0.0", cli.Serve.Host)
}

func TestParse_Lookup(t *testing.T) {
	clearEnv(t)
	cli, kctx := parse(t, "--repository", "acme/rules", "lookup", "main.go", "--project-type", "golang")

	assert.Equal(t, "lookup <file>", kctx.Command())
	assert.Equal(t, "main.go", cli.Lookup.File)
	assert.Equal(t, "golang", cli.Lookup.ProjectType)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		logger, err := newLogger("debug", format)
		require.NoError(t, err)
		assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
	}

	_, err := newLogger("loud", "text")
	require.Error(t, err)

	_, err = newLogger("info", "xml")
	require.Error(t, err)
}

func TestNewApp_RequiresRepository(t *testing.T) {
	clearEnv(t)
	cli, _ := parse(t, "technologies")

	_, err := newApp(context.Background(), &cli.Globals, slog.Default())
	require.ErrorIs(t, err, rulecache.ErrFatal)
}

func TestNewApp_MalformedRepository(t *testing.T) {
	clearEnv(t)
	cli, _ := parse(t, "--repository", "acme", "technologies")

	_, err := newApp(context.Background(), &cli.Globals, slog.Default())
	require.ErrorIs(t, err, rulecache.ErrFatal)
}

func TestNewApp_RejectsInvalidLimits(t *testing.T) {
	for _, args := range [][]string{
		{"--cache-ttl=0"},
		{"--cache-ttl=-5"},
		{"--upstream-retries=-1"},
		{"--upstream-timeout=0s"},
		{"--concurrency=0"},
		{"--max-stale=-1m"},
	} {
		clearEnv(t)
		cli, _ := parse(t, append([]string{"--repository", "acme/rules", "--no-cache-persist"}, append(args, "technologies")...)...)

		_, err := newApp(context.Background(), &cli.Globals, slog.Default())
		require.ErrorIs(t, err, rulecache.ErrFatal, "args %v", args)
	}
}

func TestNewApp_CredentialsFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"github": {"token": "{{ "ghp_file" }}"}}`), 0o600))

	cli, _ := parse(t,
		"--repository", "acme/rules",
		"--credentials-file", path,
		"--no-cache-persist",
		"--refresh-interval", "1m",
		"technologies",
	)

	a, err := newApp(context.Background(), &cli.Globals, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.expiry)
}

func TestNewApp_PersistentStore(t *testing.T) {
	clearEnv(t)
	dir := filepath.Join(t.TempDir(), "cache")
	cli, _ := parse(t, "--repository", "acme/rules", "--cache-dir", dir, "technologies")

	a, err := newApp(context.Background(), &cli.Globals, slog.Default())
	require.NoError(t, err)
	_ = a.Close()

	assert.DirExists(t, dir)
	assert.Nil(t, a.expiry)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}
