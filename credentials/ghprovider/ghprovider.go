// Package ghprovider resolves GitHub tokens from the gh CLI's stored login.
package ghprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfeidau/rule-cache/credentials"
)

// WithGitHubCLI registers a "gh" template function that returns the token
// `gh auth token` holds for a host, e.g. {{ gh "github.com" | json }}.
func WithGitHubCLI() credentials.ResolverOption {
	return WithRunner(credentials.ExecCommand)
}

// WithRunner registers the "gh" function using run to invoke the CLI.
func WithRunner(run credentials.CommandRunner) credentials.ResolverOption {
	return credentials.WithProvider("gh", func(ctx context.Context, host string) (string, error) {
		args := []string{"auth", "token"}
		if host != "" {
			args = append(args, "--hostname", host)
		}
		token, err := run(ctx, "gh", args...)
		if err != nil {
			return "", err
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return "", fmt.Errorf("gh auth token: no token for host %q", host)
		}
		return token, nil
	})
}
