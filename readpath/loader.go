// Package readpath serves read endpoints that front the document store with
// an expiring cache. Reads never fail: when the store is unavailable the
// last known good value or a configured default is returned instead.
package readpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/upload-gateway/cache"
	"github.com/wolfeidau/upload-gateway/dedupe"
	"github.com/wolfeidau/upload-gateway/telemetry"
)

const (
	// DefaultTimeout bounds a single store query.
	DefaultTimeout = 5 * time.Second

	// DefaultFallbackTTL is how long a fallback value is cached so a failing
	// store is not queried on every request.
	DefaultFallbackTTL = 5 * time.Second

	// DefaultLastGoodTTL is how long a live value remains usable as a
	// fallback after it was loaded.
	DefaultLastGoodTTL = 24 * time.Hour
)

// ErrTimeout is returned when a store query does not finish in time.
var ErrTimeout = errors.New("store query timed out")

// Result is a loaded value and where it came from.
type Result[V any] struct {
	Data     V      `json:"data"`
	Source   string `json:"source"`
	Cached   bool   `json:"cached"`
	Fallback bool   `json:"fallback"`

	// Err is the store failure behind a fallback result.
	Err error `json:"-"`
}

// FetchFunc loads key from the store.
type FetchFunc[V any] func(ctx context.Context, key string) (V, error)

// DefaultFunc supplies a value when the store has failed and nothing was
// ever loaded for key.
type DefaultFunc[V any] func(key string) (V, bool)

// Config holds Loader configuration.
type Config[V any] struct {
	// Name identifies the loader in logs and metrics.
	Name string

	// TTL is how long a live value is served from cache.
	TTL time.Duration

	// Fetch queries the store. Required.
	Fetch FetchFunc[V]

	// Default supplies fallback values. Optional.
	Default DefaultFunc[V]

	// Timeout bounds each store query. Default: 5s.
	Timeout time.Duration

	// FallbackTTL is how long a fallback value is cached. Default: 5s.
	FallbackTTL time.Duration

	// LastGoodTTL is how long a live value is kept for fallback use.
	// Default: 24h.
	LastGoodTTL time.Duration

	// MaxEntries caps both the cache and the last known good values.
	// Default: cache.DefaultMaxEntries.
	MaxEntries int

	Logger *slog.Logger
	Now    func() time.Time
}

type entry[V any] struct {
	value    V
	fallback bool
}

// Loader implements cache, then store, then fallback reads for one resource.
type Loader[V any] struct {
	cfg    Config[V]
	cache  *cache.Expiring[string, entry[V]]
	group  *dedupe.Group[Result[V]]
	logger *slog.Logger

	lastGood *cache.Expiring[string, V]
}

// NewLoader creates a Loader.
func NewLoader[V any](cfg Config[V]) *Loader[V] {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = DefaultFallbackTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LastGoodTTL <= 0 {
		cfg.LastGoodTTL = DefaultLastGoodTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With("component", "readpath", "resource", cfg.Name)

	return &Loader[V]{
		cfg:      cfg,
		cache:    cache.New[string, entry[V]](cfg.TTL, cache.WithNow(cfg.Now), cache.WithMaxEntries(cfg.MaxEntries)),
		group:    dedupe.New[Result[V]](dedupe.WithLogger(logger)),
		logger:   logger,
		lastGood: cache.New[string, V](cfg.LastGoodTTL, cache.WithNow(cfg.Now), cache.WithMaxEntries(cfg.MaxEntries)),
	}
}

// Name returns the resource name.
func (l *Loader[V]) Name() string { return l.cfg.Name }

// Load returns the value for key. It never returns an error; store
// failures produce a Result with Fallback set.
func (l *Loader[V]) Load(ctx context.Context, key string) Result[V] {
	if e, ok := l.cache.Get(key); ok {
		telemetry.RecordCacheLookup(ctx, l.cfg.Name, "hit")
		source := telemetry.SourceCached
		if e.fallback {
			source = telemetry.SourceFallback
		}
		res := Result[V]{Data: e.value, Source: source, Cached: true, Fallback: e.fallback}
		telemetry.RecordReadResult(ctx, l.cfg.Name, res.Source)
		return res
	}
	telemetry.RecordCacheLookup(ctx, l.cfg.Name, "miss")

	res, _, err := l.group.Do(ctx, key, func(ctx context.Context) (Result[V], error) {
		return l.refresh(ctx, key), nil
	})
	if err != nil {
		// The caller gave up waiting on a shared refresh.
		res = l.fallback(key, err)
	}
	telemetry.RecordReadResult(ctx, l.cfg.Name, res.Source)
	return res
}

// Invalidate drops any cached value for key.
func (l *Loader[V]) Invalidate(key string) {
	l.cache.Delete(key)
}

func (l *Loader[V]) refresh(ctx context.Context, key string) Result[V] {
	v, err := l.fetch(ctx, key)
	if err != nil {
		l.logger.Warn("store read failed, serving fallback", "key", key, "error", err)
		res := l.fallback(key, err)
		l.cache.SetWithTTL(key, entry[V]{value: res.Data, fallback: true}, l.cfg.FallbackTTL)
		return res
	}

	l.cache.Set(key, entry[V]{value: v})
	l.lastGood.Set(key, v)
	return Result[V]{Data: v, Source: telemetry.SourceLive}
}

// fetch races the store query against the configured timeout.
func (l *Loader[V]) fetch(ctx context.Context, key string) (V, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	type outcome struct {
		v   V
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := l.cfg.Fetch(ctx, key)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero V
		return zero, fmt.Errorf("%w after %s: %w", ErrTimeout, l.cfg.Timeout, ctx.Err())
	}
}

func (l *Loader[V]) fallback(key string, cause error) Result[V] {
	res := Result[V]{Source: telemetry.SourceFallback, Fallback: true, Err: cause}

	if v, ok := l.lastGood.Get(key); ok {
		res.Data = v
		return res
	}
	if l.cfg.Default != nil {
		if v, ok := l.cfg.Default(key); ok {
			res.Data = v
		}
	}
	return res
}
