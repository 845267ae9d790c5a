// Package opprovider resolves secrets with the 1Password CLI.
package opprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/wolfeidau/rule-cache/credentials"
)

const refPrefix = "op://"

// WithOnePassword registers an "op" template function that reads a secret
// reference such as {{ op "op://dev/github/token" | json }} with `op read`.
func WithOnePassword() credentials.ResolverOption {
	return WithRunner(credentials.ExecCommand)
}

// WithRunner registers the "op" function using run to invoke the CLI.
func WithRunner(run credentials.CommandRunner) credentials.ResolverOption {
	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, refPrefix) {
			return "", fmt.Errorf("op read: reference %q must start with %s", ref, refPrefix)
		}
		out, err := run(ctx, "op", "read", "--no-newline", ref)
		if err != nil {
			return "", err
		}
		secret := strings.TrimSpace(out)
		if secret == "" {
			return "", fmt.Errorf("op read %q: empty secret", ref)
		}
		return secret, nil
	})
}
