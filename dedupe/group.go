// Package dedupe collapses concurrent calls for the same key into a single
// execution. Token exchanges, read-path store queries and upload finalization
// all go through a Group so that a burst of callers triggers one unit of work.
package dedupe

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func performs the shared work. The context passed to Func is detached from
// any single caller so that one caller timing out does not cancel the work for
// other waiters.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent calls for the same key using singleflight.
// It uses DoChan so each caller can respect its own context deadline without
// cancelling the in-flight call for others.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{logger: o.logger}
}

// Do runs fn once for all concurrent callers sharing key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before fn completes, Do returns the context
// error but the in-flight call continues for other waiters.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	var zero T
	select {
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("joined in-flight call", "key", key)
		}
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the group, allowing a subsequent call to start
// fresh work instead of joining the in-flight one.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}
