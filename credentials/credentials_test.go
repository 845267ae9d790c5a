package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, r *Resolver, input string) (*Credentials, error) {
	t.Helper()
	return r.ResolveReader(context.Background(), strings.NewReader(input))
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("RULES_GITHUB_TOKEN", "ghp_env")

	creds, err := resolve(t, NewResolver(), `{"github": {"token": {{ env "RULES_GITHUB_TOKEN" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "ghp_env", creds.GitHubToken())
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	_, err := resolve(t, NewResolver(), `{"github": {"token": {{ env "RULE_CACHE_UNSET_VAR" | json }}}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "RULE_CACHE_UNSET_VAR")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	creds, err := resolve(t, NewResolver(), `{"github": {"token": {{ envDefault "RULE_CACHE_UNSET_VAR" "fallback" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.GitHubToken())
}

func TestResolveReader_FileFunction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("ghp_file\n"), 0o600))

	creds, err := resolve(t, NewResolver(), `{"github": {"token": {{ file "`+path+`" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "ghp_file", creds.GitHubToken())
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("RULES_GITHUB_TOKEN", `tok"en\with`)

	creds, err := resolve(t, NewResolver(), `{"github": {"token": {{ env "RULES_GITHUB_TOKEN" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, `tok"en\with`, creds.GitHubToken())
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	calls := 0
	r := NewResolver(WithProvider("vault", func(ctx context.Context, ref string) (string, error) {
		calls++
		return "secret-" + ref, nil
	}))

	creds, err := resolve(t, r, `{"github": {"token": {{ vault "gh" | json }}}, "note": {{ vault "gh" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, "secret-gh", creds.GitHubToken())
	require.Equal(t, 1, calls)
}

func TestResolveReader_ProviderError(t *testing.T) {
	r := NewResolver(WithProvider("vault", func(ctx context.Context, ref string) (string, error) {
		return "", errors.New("sealed")
	}))

	_, err := resolve(t, r, `{"github": {"token": {{ vault "gh" | json }}}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sealed")
}

func TestResolveReader_BaseURL(t *testing.T) {
	creds, err := resolve(t, NewResolver(), `{"github": {"base_url": "https://ghe.example.com/api/v3/"}}`)
	require.NoError(t, err)
	require.Equal(t, "https://ghe.example.com/api/v3", creds.GitHubBaseURL())
	require.Empty(t, creds.GitHubToken())
}

func TestResolveReader_EmptyObject(t *testing.T) {
	creds, err := resolve(t, NewResolver(), `{}`)
	require.NoError(t, err)
	require.Nil(t, creds.GitHub)
	require.Empty(t, creds.GitHubToken())
	require.Empty(t, creds.GitHubBaseURL())
}

func TestCredentials_NilSafe(t *testing.T) {
	var creds *Credentials
	require.Empty(t, creds.GitHubToken())
	require.Empty(t, creds.GitHubBaseURL())
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	_, err := resolve(t, NewResolver(), `{"github": {"token": {{ .UndefinedKey }}}}`)
	require.Error(t, err)
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	_, err := resolve(t, NewResolver(), `{"github": `)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials document")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	_, err := resolve(t, NewResolver(), strings.Repeat("x", maxInputSize+1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveReader_YAML(t *testing.T) {
	t.Setenv("RULES_GITHUB_TOKEN", "ghp_yaml")

	creds, err := resolve(t, NewResolver(), "github:\n  token: {{ env \"RULES_GITHUB_TOKEN\" | json }}\n  base_url: https://ghe.example.com/api/v3\n")
	require.NoError(t, err)
	require.Equal(t, "ghp_yaml", creds.GitHubToken())
	require.Equal(t, "https://ghe.example.com/api/v3", creds.GitHubBaseURL())
}

func TestResolveReader_EmptyDocument(t *testing.T) {
	_, err := resolve(t, NewResolver(), `{{ envDefault "RULE_CACHE_UNSET_VAR" "" }}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty document")
}

func TestResolveReader_MultiLineToken(t *testing.T) {
	_, err := resolve(t, NewResolver(), `{"github": {"token": "ghp_a\nghp_b"}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "single line")
}

func TestResolveReader_InvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"ghe.example.com", "ftp://ghe.example.com", "https://"} {
		_, err := resolve(t, NewResolver(), `{"github": {"base_url": "`+raw+`"}}`)
		require.Error(t, err, raw)
		require.Contains(t, err.Error(), "absolute http(s) URL")
	}
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"github": {"token": "ghp_literal"}}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "ghp_literal", creds.GitHubToken())
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver().ResolveFile(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
