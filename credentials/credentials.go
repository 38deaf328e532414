// Package credentials resolves the gateway's secrets from a JSON template.
//
// The template is a text/template rendered before JSON decoding, with env,
// envDefault, file and json helpers plus any registered secret providers:
//
//	{
//	  "graph": {
//	    "tenant_id": {{ env "GRAPH_TENANT_ID" | json }},
//	    "client_id": {{ env "GRAPH_CLIENT_ID" | json }},
//	    "client_secret": {{ op "op://vault/graph/secret" | json }}
//	  },
//	  "api_tokens": {
//	    {{ file "/run/secrets/portal_token" | json }}: "portal"
//	  }
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"github.com/wolfeidau/upload-gateway/graph"
)

const (
	// maxTemplateSize caps both the template and its rendered output (1MB).
	maxTemplateSize = 1 << 20
)

// Credentials holds all resolved secrets.
type Credentials struct {
	// Graph is the client-credentials registration used for the remote
	// file API. Nil runs the gateway in local-only mode.
	Graph *GraphCredentials `json:"graph,omitempty"`

	// APITokens maps inbound bearer tokens to user ids.
	APITokens map[string]string `json:"api_tokens,omitempty"`

	// Drive is the default upload target.
	Drive *DriveTarget `json:"drive,omitempty"`
}

// GraphCredentials identifies the application registration.
type GraphCredentials struct {
	TenantID     string `json:"tenant_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
}

// DriveTarget is where uploads land when a request names no drive.
type DriveTarget struct {
	DriveID    string `json:"drive_id"`
	FolderPath string `json:"folder_path,omitempty"`
}

// TokenConfig converts to the token cache configuration.
func (g *GraphCredentials) TokenConfig() graph.TokenConfig {
	return graph.TokenConfig{
		TenantID:     g.TenantID,
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Scope:        g.Scope,
		TokenURL:     g.TokenURL,
	}
}

// LogValue keeps the client secret out of logs.
func (g *GraphCredentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("tenant_id", g.TenantID),
		slog.String("client_id", g.ClientID),
		slog.Bool("client_secret_set", g.ClientSecret != ""),
	)
}

// Validate reports missing required fields.
func (c *Credentials) Validate() error {
	var errs []error
	if g := c.Graph; g != nil {
		if g.ClientID == "" {
			errs = append(errs, errors.New("graph.client_id is required"))
		}
		if g.ClientSecret == "" {
			errs = append(errs, errors.New("graph.client_secret is required"))
		}
		if g.TenantID == "" && g.TokenURL == "" {
			errs = append(errs, errors.New("graph.tenant_id or graph.token_url is required"))
		}
	}
	for token, user := range c.APITokens {
		if token == "" || user == "" {
			errs = append(errs, errors.New("api_tokens entries need a token and a user id"))
			break
		}
	}
	if c.Drive != nil && c.Drive.DriveID == "" {
		errs = append(errs, errors.New("drive.drive_id is required"))
	}
	return errors.Join(errs...)
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver renders a credentials template and decodes the result.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads, renders and validates a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader renders and validates a credentials template from reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	rendered, err := r.render(ctx, reader)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(rendered, &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	r.logger.Debug("credentials resolved",
		"graph", creds.Graph != nil,
		"api_tokens", len(creds.APITokens),
		"providers", len(r.providers),
	)
	return &creds, nil
}

func (r *Resolver) render(ctx context.Context, reader io.Reader) ([]byte, error) {
	src, err := io.ReadAll(io.LimitReader(reader, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(src) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}
	return buf.Bytes(), nil
}

// funcs returns the template helpers. Provider lookups are memoized for
// the duration of one render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	seen := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + ":" + ref
			if val, ok := seen[key]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			seen[key] = val
			return val, nil
		}
	}
	return fm
}
