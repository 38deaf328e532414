package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wolfeidau/upload-gateway/dedupe"
	"github.com/wolfeidau/upload-gateway/telemetry"
)

const (
	// DefaultScope requests the application permissions granted to the client.
	DefaultScope = "https://graph.microsoft.com/.default"

	// DefaultSafetyMargin is subtracted from the advertised token lifetime.
	DefaultSafetyMargin = 5 * time.Minute

	// DefaultFixedWindow is the cache window used when the provider does not
	// advertise expires_in, or when WithFixedWindow is set.
	DefaultFixedWindow = 50 * time.Minute

	// DefaultExchangeTimeout bounds a single token exchange.
	DefaultExchangeTimeout = 15 * time.Second

	tokenDedupeKey = "client_credentials"
)

// TokenConfig identifies the application to the identity provider.
type TokenConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Scope        string
	// TokenURL overrides the endpoint derived from TenantID.
	TokenURL string
}

// Endpoint returns the token endpoint for the configuration.
func (c TokenConfig) Endpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", c.TenantID)
}

// AccessToken is a bearer credential and the instant after which it must no
// longer be handed out. ExpiresAt already accounts for the safety margin.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// TokenSource provides bearer tokens to the Client.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenOption configures a TokenCache.
type TokenOption func(*TokenCache)

// WithHTTPClient sets the HTTP client used for token exchanges.
func WithHTTPClient(hc *http.Client) TokenOption {
	return func(c *TokenCache) {
		c.httpClient = hc
	}
}

// WithTokenLogger sets the logger for the token cache.
func WithTokenLogger(logger *slog.Logger) TokenOption {
	return func(c *TokenCache) {
		c.logger = logger
	}
}

// WithNow sets the clock used for expiry decisions.
func WithNow(now func() time.Time) TokenOption {
	return func(c *TokenCache) {
		c.now = now
	}
}

// WithSafetyMargin sets how long before the advertised expiry a token stops
// being handed out.
func WithSafetyMargin(d time.Duration) TokenOption {
	return func(c *TokenCache) {
		c.margin = d
	}
}

// WithFixedWindow caches every token for exactly d, ignoring expires_in.
func WithFixedWindow(d time.Duration) TokenOption {
	return func(c *TokenCache) {
		c.fixedWindow = d
		c.useFixed = true
	}
}

// WithExchangeTimeout bounds each token exchange.
func WithExchangeTimeout(d time.Duration) TokenOption {
	return func(c *TokenCache) {
		c.timeout = d
	}
}

// TokenCache obtains and caches a single client-credentials access token.
// Concurrent callers on a cold or expired cache share one exchange.
type TokenCache struct {
	cfg         *clientcredentials.Config
	httpClient  *http.Client
	logger      *slog.Logger
	now         func() time.Time
	margin      time.Duration
	fixedWindow time.Duration
	useFixed    bool
	timeout     time.Duration
	group       *dedupe.Group[AccessToken]

	mu    sync.Mutex
	token *AccessToken
}

// NewTokenCache creates a token cache for the given application.
func NewTokenCache(cfg TokenConfig, opts ...TokenOption) *TokenCache {
	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}

	c := &TokenCache{
		cfg: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.Endpoint(),
			Scopes:       []string{scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient:  http.DefaultClient,
		logger:      slog.Default(),
		now:         time.Now,
		margin:      DefaultSafetyMargin,
		fixedWindow: DefaultFixedWindow,
		timeout:     DefaultExchangeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "token_cache")
	c.group = dedupe.New[AccessToken](dedupe.WithLogger(c.logger))
	return c
}

// GetToken returns the cached token while it is valid, otherwise performs a
// client-credentials exchange. Exchange failures are returned as *AuthError.
func (c *TokenCache) GetToken(ctx context.Context) (AccessToken, error) {
	if tok, ok := c.cached(); ok {
		telemetry.RecordTokenLookup(ctx, true)
		return tok, nil
	}
	telemetry.RecordTokenLookup(ctx, false)

	tok, _, err := c.group.Do(ctx, tokenDedupeKey, func(ctx context.Context) (AccessToken, error) {
		// A caller that queued behind a finished exchange finds it here.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		return c.exchange(ctx)
	})
	if err != nil {
		return AccessToken{}, err
	}
	return tok, nil
}

// Token implements TokenSource.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	tok, err := c.GetToken(ctx)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Invalidate drops the cached token so the next call performs an exchange.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) cached() (AccessToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.now().Before(c.token.ExpiresAt) {
		return *c.token, true
	}
	return AccessToken{}, false
}

func (c *TokenCache) exchange(ctx context.Context) (AccessToken, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	start := time.Now()
	issued := c.now()
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		telemetry.RecordTokenExchange(ctx, "error", time.Since(start))
		authErr := toAuthError(err)
		c.logger.Error("token exchange failed", "status", authErr.StatusCode, "error", err)
		return AccessToken{}, authErr
	}
	telemetry.RecordTokenExchange(ctx, "success", time.Since(start))

	lifetime := c.lifetime(tok)
	at := AccessToken{Value: tok.AccessToken, ExpiresAt: issued.Add(lifetime)}

	c.mu.Lock()
	c.token = &at
	c.mu.Unlock()

	c.logger.Info("token exchanged", "cache_window", lifetime)
	return at, nil
}

// lifetime is the cache window for tok: the advertised expires_in minus the
// safety margin, or the fixed window when configured or not advertised.
// A lifetime shorter than the margin is cached for half its length.
func (c *TokenCache) lifetime(tok *oauth2.Token) time.Duration {
	if c.useFixed {
		return c.fixedWindow
	}
	secs, ok := expiresIn(tok)
	if !ok {
		return c.fixedWindow
	}
	advertised := time.Duration(secs) * time.Second
	if advertised > c.margin {
		return advertised - c.margin
	}
	return advertised / 2
}

func expiresIn(tok *oauth2.Token) (int64, bool) {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v), v > 0
	case json.Number:
		n, err := v.Int64()
		return n, err == nil && n > 0
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil && n > 0
	default:
		return 0, false
	}
}

func toAuthError(err error) *AuthError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		ae := &AuthError{Body: string(re.Body), Err: err}
		if re.Response != nil {
			ae.StatusCode = re.Response.StatusCode
		}
		return ae
	}
	return &AuthError{Err: err}
}
