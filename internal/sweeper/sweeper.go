// Package sweeper runs the periodic cleanup of idle conversations.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/perfumaria/internal/cache"
)

// DefaultInterval is used when Options.Interval is not set.
const DefaultInterval = 5 * time.Minute

// SessionAbandoner marks stale sessions abandoned.
type SessionAbandoner interface {
	MarkIdleSessionsAbandoned(ctx context.Context, idle time.Duration) (int64, error)
}

// ConversationEvictor drops idle in-memory conversations.
type ConversationEvictor interface {
	EvictIdle(idle time.Duration) int
}

// ExpirySweeper drops expired cache entries.
type ExpirySweeper interface {
	Sweep() int
}

// Options configures the sweeper.
type Options struct {
	Sessions SessionAbandoner
	Registry ConversationEvictor
	// Expired is the in-process cache backend, if any.
	Expired  ExpirySweeper
	Cache    *cache.QueryCache
	IdleTTL  time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

// Report counts what one sweep removed.
type Report struct {
	Abandoned    int64
	Evicted      int
	CacheExpired int
}

// Sweeper abandons idle sessions and evicts their in-memory state.
type Sweeper struct {
	opts Options
}

// New creates a sweeper.
func New(opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sweeper{opts: opts}
}

// Start runs Sweep on every interval tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	go func() {
		defer ticker.Stop()
		s.opts.Logger.Info("Session sweeper started", "interval", s.opts.Interval, "idle_ttl", s.opts.IdleTTL)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.opts.Logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep performs one cleanup pass. A non-positive idle TTL disables session
// abandonment and conversation eviction.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var report Report
	logger := s.opts.Logger

	if s.opts.IdleTTL > 0 {
		if s.opts.Sessions != nil {
			n, err := s.opts.Sessions.MarkIdleSessionsAbandoned(ctx, s.opts.IdleTTL)
			if err != nil {
				logger.Error("Session sweeper failed to abandon idle sessions", "error", err)
			} else if n > 0 {
				report.Abandoned = n
				logger.Info("Session sweeper abandoned idle sessions", "count", n)
				if err := s.opts.Cache.Invalidate(ctx, cache.CategorySessions); err != nil {
					logger.Warn("Session sweeper failed to invalidate session cache", "error", err)
				}
			}
		}
		if s.opts.Registry != nil {
			if n := s.opts.Registry.EvictIdle(s.opts.IdleTTL); n > 0 {
				report.Evicted = n
				logger.Info("Session sweeper evicted idle conversations", "count", n)
			}
		}
	}

	if s.opts.Expired != nil {
		if n := s.opts.Expired.Sweep(); n > 0 {
			report.CacheExpired = n
			logger.Debug("Session sweeper dropped expired cache entries", "count", n)
		}
	}

	return report
}
