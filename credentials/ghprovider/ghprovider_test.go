package ghprovider

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/rule-cache/credentials"
)

func TestWithRunner_ResolvesToken(t *testing.T) {
	var gotArgs []string
	r := credentials.NewResolver(WithRunner(func(ctx context.Context, name string, args ...string) (string, error) {
		require.Equal(t, "gh", name)
		gotArgs = args
		return "gho_token\n", nil
	}))

	creds, err := r.ResolveReader(context.Background(), strings.NewReader(`{"github": {"token": {{ gh "github.com" | json }}}}`))
	require.NoError(t, err)
	require.Equal(t, "gho_token", creds.GitHubToken())
	require.Equal(t, []string{"auth", "token", "--hostname", "github.com"}, gotArgs)
}

func TestWithRunner_EmptyToken(t *testing.T) {
	r := credentials.NewResolver(WithRunner(func(ctx context.Context, name string, args ...string) (string, error) {
		return "  \n", nil
	}))

	_, err := r.ResolveReader(context.Background(), strings.NewReader(`{"github": {"token": {{ gh "" | json }}}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no token")
}

func TestWithRunner_CommandFails(t *testing.T) {
	r := credentials.NewResolver(WithRunner(func(ctx context.Context, name string, args ...string) (string, error) {
		return "", errors.New("not logged in")
	}))

	_, err := r.ResolveReader(context.Background(), strings.NewReader(`{"github": {"token": {{ gh "github.com" | json }}}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not logged in")
}

func TestWithGitHubCLI_RegistersProvider(t *testing.T) {
	require.NotNil(t, credentials.NewResolver(WithGitHubCLI()))
}
