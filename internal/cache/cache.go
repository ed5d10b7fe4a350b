// Package cache provides the query cache used in front of slow or remote reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Category groups cached queries that share a freshness window.
type Category string

const (
	CategoryReviews  Category = "reviews"
	CategorySessions Category = "sessions"
	CategoryPostal   Category = "postal"
)

// DefaultWindows are the freshness windows used when none is configured.
var DefaultWindows = map[Category]time.Duration{
	CategoryReviews:  30 * time.Second,
	CategorySessions: 60 * time.Second,
	CategoryPostal:   24 * time.Hour,
}

// Backend stores raw cache entries.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// QueryCache caches query results per category. A nil *QueryCache is valid and caches nothing.
type QueryCache struct {
	backend Backend
	windows map[Category]time.Duration
	logger  *slog.Logger
}

// New creates a query cache. Categories missing from windows use DefaultWindows.
func New(backend Backend, windows map[Category]time.Duration, logger *slog.Logger) *QueryCache {
	if logger == nil {
		logger = slog.Default()
	}
	merged := make(map[Category]time.Duration, len(DefaultWindows))
	for c, w := range DefaultWindows {
		merged[c] = w
	}
	for c, w := range windows {
		if w > 0 {
			merged[c] = w
		}
	}
	return &QueryCache{backend: backend, windows: merged, logger: logger}
}

// Window returns the freshness window of c.
func (q *QueryCache) Window(c Category) time.Duration {
	return q.windows[c]
}

func entryKey(c Category, key string) string {
	return string(c) + ":" + key
}

// GetOrLoad returns the cached value of key or calls load and caches its result.
// Backend failures are logged and fall through to load.
func GetOrLoad[T any](ctx context.Context, q *QueryCache, c Category, key string, load func(context.Context) (T, error)) (T, error) {
	if q == nil || q.backend == nil {
		return load(ctx)
	}

	k := entryKey(c, key)
	if raw, ok, err := q.backend.Get(ctx, k); err != nil {
		q.logger.Warn("cache read failed", "key", k, "error", err)
	} else if ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		q.logger.Warn("cache entry undecodable, reloading", "key", k)
	}

	v, err := load(ctx)
	if err != nil {
		return v, err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		q.logger.Warn("cache encode failed", "key", k, "error", err)
		return v, nil
	}
	if err := q.backend.Set(ctx, k, raw, q.Window(c)); err != nil {
		q.logger.Warn("cache write failed", "key", k, "error", err)
	}
	return v, nil
}

// Invalidate drops every entry of c.
func (q *QueryCache) Invalidate(ctx context.Context, c Category) error {
	if q == nil || q.backend == nil {
		return nil
	}
	if err := q.backend.DeletePrefix(ctx, string(c)+":"); err != nil {
		return fmt.Errorf("invalidate %s: %w", c, err)
	}
	return nil
}

// InvalidateKey drops one entry of c.
func (q *QueryCache) InvalidateKey(ctx context.Context, c Category, key string) error {
	if q == nil || q.backend == nil {
		return nil
	}
	if err := q.backend.DeletePrefix(ctx, entryKey(c, key)); err != nil {
		return fmt.Errorf("invalidate %s: %w", entryKey(c, key), err)
	}
	return nil
}

// Close releases the backend.
func (q *QueryCache) Close() error {
	if q == nil || q.backend == nil {
		return nil
	}
	return q.backend.Close()
}

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("cache closed")
