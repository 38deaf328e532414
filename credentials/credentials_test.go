package credentials

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, input string, opts ...ResolverOption) (*Credentials, error) {
	t.Helper()
	return NewResolver(opts...).ResolveReader(context.Background(), strings.NewReader(input))
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_CLIENT_SECRET", "secret123")

	creds, err := resolve(t, `{"graph": {"tenant_id": "t", "client_id": "c", "client_secret": {{ env "TEST_CLIENT_SECRET" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.Graph.ClientSecret)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	_, err := resolve(t, `{"api_tokens": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefault(t *testing.T) {
	creds, err := resolve(t, `{"drive": {"drive_id": {{ envDefault "NONEXISTENT_VAR_XYZ" "b!fallback" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "b!fallback", creds.Drive.DriveID)

	t.Setenv("TEST_DRIVE", "b!actual")
	creds, err = resolve(t, `{"drive": {"drive_id": {{ envDefault "TEST_DRIVE" "b!fallback" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, "b!actual", creds.Drive.DriveID)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tokenFile, []byte("portal-token\n"), 0o600))

	creds, err := resolve(t, `{"api_tokens": { {{ file "`+tokenFile+`" | json }}: "portal" }}`)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"portal-token": "portal"}, creds.APITokens)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	creds, err := resolve(t, `{"graph": {"tenant_id": "t", "client_id": "c", "client_secret": {{ env "TEST_SPECIAL" | json }}}}`)
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.Graph.ClientSecret)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	calls := 0
	mock := func(_ context.Context, ref string) (string, error) {
		calls++
		return "resolved-" + ref, nil
	}

	creds, err := resolve(t, `{
		"graph": {"tenant_id": "t", "client_id": "c", "client_secret": {{ mock "same-ref" | json }}},
		"api_tokens": { {{ mock "same-ref" | json }}: "svc" }
	}`, WithProvider("mock", mock))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.Graph.ClientSecret)
	require.Equal(t, "svc", creds.APITokens["resolved-same-ref"])
	require.Equal(t, 1, calls, "provider should only be called once per render")
}

func TestResolveReader_FullCredentials(t *testing.T) {
	t.Setenv("GRAPH_TENANT_ID", "tenant-1")
	t.Setenv("GRAPH_CLIENT_ID", "client-1")
	t.Setenv("GRAPH_CLIENT_SECRET", "s3cret")

	creds, err := resolve(t, `{
		"graph": {
			"tenant_id": {{ env "GRAPH_TENANT_ID" | json }},
			"client_id": {{ env "GRAPH_CLIENT_ID" | json }},
			"client_secret": {{ env "GRAPH_CLIENT_SECRET" | json }}
		},
		"api_tokens": {"tok-a": "alice", "tok-b": "bob"},
		"drive": {"drive_id": "b!drive", "folder_path": "Uploads/ITR"}
	}`)
	require.NoError(t, err)

	require.NotNil(t, creds.Graph)
	cfg := creds.Graph.TokenConfig()
	require.Equal(t, "tenant-1", cfg.TenantID)
	require.Equal(t, "client-1", cfg.ClientID)
	require.Equal(t, "s3cret", cfg.ClientSecret)
	require.Equal(t, "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/token", cfg.Endpoint())

	require.Len(t, creds.APITokens, 2)
	require.Equal(t, "alice", creds.APITokens["tok-a"])
	require.Equal(t, "Uploads/ITR", creds.Drive.FolderPath)
}

func TestResolveReader_Validation(t *testing.T) {
	for name, input := range map[string]string{
		"missing secret":  `{"graph": {"tenant_id": "t", "client_id": "c"}}`,
		"missing tenant":  `{"graph": {"client_id": "c", "client_secret": "s"}}`,
		"empty token":     `{"api_tokens": {"": "alice"}}`,
		"empty user":      `{"api_tokens": {"tok": ""}}`,
		"missing driveId": `{"drive": {"folder_path": "x"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := resolve(t, input)
			require.Error(t, err)
			require.Contains(t, err.Error(), "invalid credentials")
		})
	}
}

func TestResolveReader_TokenURLWithoutTenant(t *testing.T) {
	creds, err := resolve(t, `{"graph": {"client_id": "c", "client_secret": "s", "token_url": "http://idp.local/token"}}`)
	require.NoError(t, err)
	require.Equal(t, "http://idp.local/token", creds.Graph.TokenConfig().Endpoint())
}

func TestGraphCredentials_LogValueRedactsSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("graph", "creds", &GraphCredentials{TenantID: "t", ClientID: "c", ClientSecret: "hunter2"})

	require.NotContains(t, buf.String(), "hunter2")
	require.Contains(t, buf.String(), "client_secret_set=true")
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	_, err := resolve(t, `{"api_tokens": {{ .UndefinedKey }}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	_, err := resolve(t, `not valid json`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	creds, err := resolve(t, `{}`)
	require.NoError(t, err)
	require.Nil(t, creds.Graph)
	require.Nil(t, creds.Drive)
	require.Empty(t, creds.APITokens)
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")

	path := filepath.Join(t.TempDir(), "creds.json.tmpl")
	require.NoError(t, os.WriteFile(path, []byte(`{"api_tokens": { {{ env "TEST_TOKEN" | json }}: "u1" }}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "u1", creds.APITokens["from-file"])
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	_, err := resolve(t, strings.Repeat("x", maxTemplateSize+1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}
