// Package graph is a client for the remote file-hosting API. It owns the
// client-credentials token cache, the authenticated request path and the
// resumable upload session protocol.
package graph

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification. Use errors.Is to check.
var (
	ErrBadRequest   = errors.New("graph: bad request")
	ErrUnauthorized = errors.New("graph: unauthorized")
	ErrForbidden    = errors.New("graph: forbidden")
	ErrNotFound     = errors.New("graph: not found")
	ErrConflict     = errors.New("graph: conflict")
	ErrThrottled    = errors.New("graph: throttled")
	ErrServerError  = errors.New("graph: server error")

	// ErrRangeNotSatisfiable is returned when a chunk PUT does not match the
	// ranges the session expects. Query the session to resynchronise.
	ErrRangeNotSatisfiable = errors.New("graph: range not satisfiable")

	// ErrUnexpectedStatus classifies any other non-2xx status.
	ErrUnexpectedStatus = errors.New("graph: unexpected status")
)

// APIError is returned for any non-success response from the remote API.
// It carries the status, the request id reported by the server and the raw
// response body. No retry is attempted at this layer.
type APIError struct {
	StatusCode int
	RequestID  string
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("graph: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Body)
	}
	return fmt.Sprintf("graph: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// AuthError is returned when the client-credentials exchange fails, either
// with a non-success status or a response that omits the access token.
type AuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("graph: token exchange failed with HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("graph: token exchange failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest:
		return ErrBadRequest
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusRequestedRangeNotSatisfiable:
		return ErrRangeNotSatisfiable
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return ErrUnexpectedStatus
	}
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	return &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Body:       string(body),
		Err:        classifyStatus(resp.StatusCode),
	}
}
