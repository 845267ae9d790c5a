package opprovider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/rule-cache/credentials"
)

func resolve(t *testing.T, run credentials.CommandRunner, tmpl string) (*credentials.Credentials, error) {
	t.Helper()
	return credentials.NewResolver(WithRunner(run)).ResolveReader(context.Background(), strings.NewReader(tmpl))
}

func TestWithRunner_ReadsSecret(t *testing.T) {
	var gotName string
	var gotArgs []string
	creds, err := resolve(t, func(ctx context.Context, name string, args ...string) (string, error) {
		gotName, gotArgs = name, args
		return "ghp_vault", nil
	}, `{"github": {"token": {{ op "op://dev/github/token" | json }}}}`)

	require.NoError(t, err)
	require.Equal(t, "ghp_vault", creds.GitHubToken())
	require.Equal(t, "op", gotName)
	require.Equal(t, []string{"read", "--no-newline", "op://dev/github/token"}, gotArgs)
}

func TestWithRunner_RejectsBareReference(t *testing.T) {
	_, err := resolve(t, func(ctx context.Context, name string, args ...string) (string, error) {
		t.Error("runner must not be called")
		return "", nil
	}, `{"github": {"token": {{ op "dev/github/token" | json }}}}`)

	require.Error(t, err)
	require.Contains(t, err.Error(), "must start with op://")
}

func TestWithRunner_EmptySecret(t *testing.T) {
	_, err := resolve(t, func(ctx context.Context, name string, args ...string) (string, error) {
		return "\n", nil
	}, `{"github": {"token": {{ op "op://dev/github/token" | json }}}}`)

	require.Error(t, err)
	require.Contains(t, err.Error(), "empty secret")
}

func TestWithRunner_CommandFails(t *testing.T) {
	_, err := resolve(t, func(ctx context.Context, name string, args ...string) (string, error) {
		return "", errors.New("not signed in")
	}, `{"github": {"token": {{ op "op://dev/github/token" | json }}}}`)

	require.Error(t, err)
	require.Contains(t, err.Error(), "not signed in")
}

func TestWithOnePassword_RegistersProvider(t *testing.T) {
	require.NotNil(t, credentials.NewResolver(WithOnePassword()))
}
