// Package opprovider resolves credential template secrets with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/upload-gateway/credentials"
)

// Option configures the provider.
type Option func(*config)

type config struct {
	binary  string
	account string
}

// WithAccount passes --account to op, for machines signed in to several
// 1Password accounts.
func WithAccount(account string) Option {
	return func(c *config) { c.account = account }
}

// WithBinary overrides the op executable.
func WithBinary(path string) Option {
	return func(c *config) { c.binary = path }
}

// WithOnePassword registers an "op" template function that resolves
// secret references such as "op://vault/graph/client-secret" with `op read`.
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	cfg := config{binary: "op"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		return read(ctx, cfg, ref)
	})
}

func read(ctx context.Context, cfg config, ref string) (string, error) {
	args := []string{"read", "--no-newline"}
	if cfg.account != "" {
		args = append(args, "--account", cfg.account)
	}
	args = append(args, ref)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, cfg.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
