// ABOUTME: Fixed-window limiter over a CounterStore
// ABOUTME: Returns rate_limit_exceeded with the time until the window resets

package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/store"
)

// Limit is a request allowance per window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Unlimited reports whether l imposes no limit.
func (l Limit) Unlimited() bool {
	return l.Requests <= 0 || l.Window <= 0
}

// Scaled returns l with Requests multiplied by factor, never below 1.
func (l Limit) Scaled(factor float64) Limit {
	if l.Unlimited() || factor <= 0 || factor >= 1 {
		return l
	}
	n := int(math.Floor(float64(l.Requests) * factor))
	if n < 1 {
		n = 1
	}
	return Limit{Requests: n, Window: l.Window}
}

// Result describes the state of the window after a check.
type Result struct {
	Allowed   bool
	Limit     int
	Count     int64
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests in fixed windows.
type Limiter struct {
	store  store.CounterStore
	now    func() time.Time
	logger *slog.Logger
}

// New creates a limiter backed by s.
func New(s store.CounterStore, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: s, now: time.Now, logger: logger.With("component", "ratelimit")}
}

// SetClock replaces the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// CheckAndIncrement counts one request for (agentID, scope) and reports
// whether it fits in limit. A rejected request still counts.
func (l *Limiter) CheckAndIncrement(ctx context.Context, agentID, scope string, limit Limit) (*Result, error) {
	if limit.Unlimited() {
		return &Result{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	windowMs := limit.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	index := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((index + 1) * windowMs).UTC()

	count, err := l.store.IncrementWindow(ctx, counterKey(agentID, scope), index)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "counting request", err)
	}

	res := &Result{
		Allowed:   count <= int64(limit.Requests),
		Limit:     limit.Requests,
		Count:     count,
		Remaining: max(limit.Requests-int(count), 0),
		ResetAt:   resetAt,
	}
	if res.Allowed {
		return res, nil
	}

	retryAfter := resetAt.Sub(now)
	l.logger.Debug("rate limit exceeded", "agent_id", agentID, "scope", scope, "count", count, "limit", limit.Requests)
	return res, apierr.New(apierr.KindRateLimitExceeded, "rate limit exceeded").
		WithDetail("limit", limit.Requests).
		WithDetail("window_seconds", int(limit.Window.Seconds())).
		WithDetail("scope", scope).
		WithRetryAfter(retryAfter)
}

func counterKey(agentID, scope string) string {
	if scope == "" {
		scope = "*"
	}
	return agentID + "|" + scope
}
