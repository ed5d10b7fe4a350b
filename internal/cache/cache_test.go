package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/perfumaria/internal/events"
)

type stats struct {
	Pending  int64 `json:"pending"`
	Approved int64 `json:"approved"`
}

func newMemoryCache(t *testing.T) (*QueryCache, *MemoryBackend, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend()
	backend.now = func() time.Time { return now }
	return New(backend, nil, nil), backend, &now
}

func TestGetOrLoadCachesWithinWindow(t *testing.T) {
	q, backend, now := newMemoryCache(t)
	ctx := context.Background()

	calls := 0
	load := func(context.Context) (stats, error) {
		calls++
		return stats{Pending: int64(calls)}, nil
	}

	v, err := GetOrLoad(ctx, q, CategoryReviews, "stats", load)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Pending)

	v, err = GetOrLoad(ctx, q, CategoryReviews, "stats", load)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Pending, "served from cache")
	require.Equal(t, 1, calls)

	*now = now.Add(31 * time.Second)
	backend.now = func() time.Time { return *now }
	v, err = GetOrLoad(ctx, q, CategoryReviews, "stats", load)
	require.NoError(t, err)
	require.Equal(t, int64(2), v.Pending, "reloaded after the reviews window")
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	q, _, _ := newMemoryCache(t)
	ctx := context.Background()

	boom := errors.New("db down")
	_, err := GetOrLoad(ctx, q, CategoryReviews, "stats", func(context.Context) (stats, error) {
		return stats{}, boom
	})
	require.ErrorIs(t, err, boom)

	v, err := GetOrLoad(ctx, q, CategoryReviews, "stats", func(context.Context) (stats, error) {
		return stats{Approved: 3}, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), v.Approved)
}

func TestInvalidateDropsOnlyCategory(t *testing.T) {
	q, _, _ := newMemoryCache(t)
	ctx := context.Background()

	_, err := GetOrLoad(ctx, q, CategoryReviews, "stats", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)
	_, err = GetOrLoad(ctx, q, CategoryPostal, "01001000", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	require.NoError(t, q.Invalidate(ctx, CategoryReviews))

	reviews, err := GetOrLoad(ctx, q, CategoryReviews, "stats", func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	require.Equal(t, 2, reviews)

	postal, err := GetOrLoad(ctx, q, CategoryPostal, "01001000", func(context.Context) (int, error) { return 2, nil })
	require.NoError(t, err)
	require.Equal(t, 1, postal)
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("unreachable")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("unreachable")
}
func (failingBackend) DeletePrefix(context.Context, string) error { return errors.New("unreachable") }
func (failingBackend) Close() error                               { return nil }

func TestBackendFailureFallsThroughToLoader(t *testing.T) {
	q := New(failingBackend{}, nil, nil)
	v, err := GetOrLoad(context.Background(), q, CategorySessions, "u1", func(context.Context) (string, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", v)
}

func TestNilCacheCallsLoader(t *testing.T) {
	var q *QueryCache
	v, err := GetOrLoad(context.Background(), q, CategorySessions, "u1", func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.NoError(t, q.Invalidate(context.Background(), CategorySessions))
}

func TestWindowsOverride(t *testing.T) {
	q := New(NewMemoryBackend(), map[Category]time.Duration{CategoryReviews: time.Second}, nil)
	require.Equal(t, time.Second, q.Window(CategoryReviews))
	require.Equal(t, 24*time.Hour, q.Window(CategoryPostal))
}

func TestMemoryBackendSweep(t *testing.T) {
	_, backend, now := newMemoryCache(t)
	ctx := context.Background()
	require.NoError(t, backend.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, backend.Set(ctx, "b", []byte("1"), time.Hour))

	later := now.Add(time.Minute)
	backend.now = func() time.Time { return later }
	require.Equal(t, 1, backend.Sweep())
}

func TestInvalidateOnEvents(t *testing.T) {
	q, _, _ := newMemoryCache(t)
	bus := events.NewBus(nil)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.InvalidateOnEvents(ctx, bus))

	_, err := GetOrLoad(ctx, q, CategoryReviews, "stats", func(context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.TopicReviewsChanged, events.ReviewsChanged{Action: "approve"}))

	require.Eventually(t, func() bool {
		v, err := GetOrLoad(ctx, q, CategoryReviews, "stats", func(context.Context) (int, error) { return 2, nil })
		return err == nil && v == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	backend, err := NewRedisBackend(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	q := New(backend, nil, nil)
	require.NoError(t, q.Invalidate(ctx, CategoryPostal))

	v, err := GetOrLoad(ctx, q, CategoryPostal, "01001000", func(context.Context) (string, error) { return "Sé", nil })
	require.NoError(t, err)
	require.Equal(t, "Sé", v)

	v, err = GetOrLoad(ctx, q, CategoryPostal, "01001000", func(context.Context) (string, error) { return "other", nil })
	require.NoError(t, err)
	require.Equal(t, "Sé", v)

	require.NoError(t, q.Invalidate(ctx, CategoryPostal))
	_, ok, err := backend.Get(ctx, "postal:01001000")
	require.NoError(t, err)
	require.False(t, ok)
}
