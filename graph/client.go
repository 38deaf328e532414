package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/upload-gateway/telemetry"
)

const (
	// DefaultBaseURL is the production API root.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// DefaultRequestTimeout bounds a single remote call.
	DefaultRequestTimeout = 30 * time.Second

	userAgent = "upload-gateway/1.0"

	// maxErrorBody caps how much of an error response is kept.
	maxErrorBody = 64 << 10
)

// invalidator is implemented by token sources that can drop a rejected token.
type invalidator interface {
	Invalidate()
}

// Client issues authenticated requests against the remote file API.
// It performs no retries; callers decide whether a failure is retryable.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
}

// NewClient creates a client. A nil httpClient gets an instrumented client
// with DefaultRequestTimeout.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultRequestTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
		logger:     logger.With("component", "graph"),
	}
}

// NewHTTPClient returns an HTTP client that records remote call metrics.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: telemetry.NewInstrumentedTransport(nil, "graph"),
		Timeout:   timeout,
	}
}

// Do executes an authenticated request. path is appended to the base URL.
// A non-2xx response is returned as *APIError with the body consumed.
// On success the caller must close the response body.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	return c.do(ctx, method, c.baseURL+path, "application/json", body)
}

// Call executes an authenticated request with an optional JSON body and
// returns the raw JSON response. An empty response yields nil.
func (c *Client) Call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("graph: marshaling request body: %w", err)
		}
		r = bytes.NewReader(data)
	}

	resp, err := c.Do(ctx, method, path, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading response body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("graph: %s %s returned invalid JSON", method, path)
	}
	return json.RawMessage(data), nil
}

func (c *Client) do(ctx context.Context, method, url, contentType string, body io.Reader) (*http.Response, error) {
	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: obtaining token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("graph: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("graph: request canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("graph: %s request failed: %w", method, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("request succeeded", "method", method, "status", resp.StatusCode)
		return resp, nil
	}

	apiErr := readAPIError(resp)
	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.token.(invalidator); ok {
			inv.Invalidate()
		}
	}
	c.logger.Warn("request failed",
		"method", method,
		"status", apiErr.StatusCode,
		"request_id", apiErr.RequestID,
	)
	return nil, apiErr
}

// readAPIError consumes and closes resp.Body.
func readAPIError(resp *http.Response) *APIError {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		body = []byte("(failed to read response body)")
	}
	return newAPIError(resp, body)
}
