// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
)

// Read path response sources, mirrored in the "source" field of cache-fronted
// responses and in request logs.
const (
	SourceLive     = "live"
	SourceCached   = "cached"
	SourceFallback = "fallback"
	SourceNA       = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Route  string
	Source string
	UserID string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Source: SourceNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetRoute sets the route pattern for metrics and logging.
func SetRoute(r *http.Request, route string) {
	if tags := GetTags(r); tags != nil {
		tags.Route = route
	}
}

// SetSource sets the read path source for metrics and logging.
func SetSource(r *http.Request, source string) {
	if tags := GetTags(r); tags != nil {
		tags.Source = source
	}
}

// SetUserID records the authenticated caller for logging.
func SetUserID(r *http.Request, userID string) {
	if tags := GetTags(r); tags != nil {
		tags.UserID = userID
	}
}
