package opprovider

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/upload-gateway/credentials"
)

// fakeOp writes a shell script standing in for the op CLI. It echoes its
// arguments so tests can check how op was invoked.
func fakeOp(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake op script needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "op")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return path
}

func TestWithOnePassword_ResolvesReference(t *testing.T) {
	bin := fakeOp(t, `echo "$@"`)

	r := credentials.NewResolver(WithOnePassword(WithBinary(bin), WithAccount("acme")))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(
		`{"api_tokens": { {{ op "op://vault/portal/token" | json }}: "portal" }}`))
	require.NoError(t, err)

	require.Equal(t, "portal", creds.APITokens["read --no-newline --account acme op://vault/portal/token"])
}

func TestWithOnePassword_Failure(t *testing.T) {
	bin := fakeOp(t, `echo "item not found" >&2; exit 1`)

	r := credentials.NewResolver(WithOnePassword(WithBinary(bin)))
	_, err := r.ResolveReader(context.Background(), strings.NewReader(
		`{"api_tokens": { {{ op "op://vault/missing" | json }}: "x" }}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "item not found")
	require.Contains(t, err.Error(), `provider "op"`)
}
