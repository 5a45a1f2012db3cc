// Package ratelimit implements fixed-window request limiting for the public
// API. Windows are calendar-aligned: every client shares the same window
// boundaries for a route, and counts reset at the boundary rather than
// sliding. A client that exhausts a window gets a positive RetryAfter that
// counts down to the next boundary.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"enroll/internal/guard/metrics"
	"enroll/internal/guard/models"
	"enroll/pkg/platform/audit"
	"enroll/pkg/requestcontext"
)

// Store persists per-window request counts. Increment must be atomic:
// concurrent calls for the same key each observe a distinct post-increment
// count.
type Store interface {
	Increment(ctx context.Context, key, route, clientID string, windowStart, expiresAt time.Time) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Limiter checks fixed-window limits and records blocked requests.
type Limiter struct {
	store   Store
	auditor *audit.Logger
	metrics *metrics.Metrics
	log     *slog.Logger

	// sweepEveryN triggers an expired-window sweep on average once per N
	// checks. Zero disables sweeping.
	sweepEveryN int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithAuditor records blocked requests to the activity log.
func WithAuditor(a *audit.Logger) Option {
	return func(l *Limiter) { l.auditor = a }
}

// WithMetrics publishes decision counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithSweepEveryN sets the opportunistic sweep frequency.
func WithSweepEveryN(n int) Option {
	return func(l *Limiter) { l.sweepEveryN = n }
}

// WithSlog sets the logger.
func WithSlog(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// NewLimiter creates a Limiter backed by the given store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts the current request against the client's window for the route
// and reports whether it is allowed. The request is counted before the
// decision, so a denied request still consumed one increment. Store failures
// propagate: callers deny the request rather than waving traffic through on
// a broken backend.
func (l *Limiter) Check(ctx context.Context, route, clientID string, limit int, window time.Duration) (models.RateLimitResult, error) {
	if limit <= 0 || window <= 0 {
		return models.RateLimitResult{}, fmt.Errorf("invalid rate limit for route %q: limit=%d window=%s", route, limit, window)
	}

	now := requestcontext.Now(ctx)
	windowStart := now.Truncate(window)
	windowEnd := windowStart.Add(window)
	key := models.RateKey(route, clientID, windowStart)

	// Records outlive their window by one extra window so lazy sweeps never
	// race requests landing right at the boundary.
	count, err := l.store.Increment(ctx, key, route, clientID, windowStart, windowEnd.Add(window))
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("increment rate window: %w", err)
	}

	result := models.RateLimitResult{
		Allowed:     count <= limit,
		Count:       count,
		Limit:       limit,
		RetryAfter:  retryAfterSeconds(now, windowEnd),
		WindowStart: windowStart,
	}

	l.metrics.RecordRateLimit(route, result.Allowed)
	if !result.Allowed {
		l.recordBlocked(ctx, route, window, result)
	}
	l.maybeSweep(ctx, now)

	return result, nil
}

// retryAfterSeconds rounds the remaining window up to whole seconds, never
// below 1 so Retry-After headers stay meaningful at the window edge.
func retryAfterSeconds(now, windowEnd time.Time) int {
	remaining := windowEnd.Sub(now)
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (l *Limiter) recordBlocked(ctx context.Context, route string, window time.Duration, result models.RateLimitResult) {
	if l.auditor == nil {
		return
	}
	l.auditor.LogSafe(ctx, audit.Record{
		Category: audit.CategorySecurity,
		Action:   "rate_limit.blocked",
		Status:   audit.StatusBlocked,
		Message:  fmt.Sprintf("rate limit exceeded on %s", route),
		Meta: map[string]any{
			"route":               route,
			"request_count":       result.Count,
			"limit":               result.Limit,
			"window":              window.String(),
			"retry_after_seconds": result.RetryAfter,
		},
	})
}

// maybeSweep deletes expired windows on average once per sweepEveryN checks,
// off the request path.
func (l *Limiter) maybeSweep(ctx context.Context, now time.Time) {
	if l.sweepEveryN <= 0 || rand.IntN(l.sweepEveryN) != 0 {
		return
	}
	go func() {
		sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		deleted, err := l.store.DeleteExpired(sweepCtx, now)
		if err != nil {
			l.log.Error("sweep expired rate windows", "error", err)
			return
		}
		l.metrics.RecordSweep(deleted)
	}()
}
