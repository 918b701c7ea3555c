// ABOUTME: Tests for the fixed-window rate limiter
// ABOUTME: Covers window resets, retry hints, scaling and concurrent callers

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/store"
)

func newTestLimiter(t *testing.T, now *time.Time) *Limiter {
	t.Helper()
	s, err := store.NewMemoryStore(0)
	require.NoError(t, err)
	l := New(s, nil)
	l.SetClock(func() time.Time { return *now })
	return l
}

func TestLimiterAllowsUpToLimit(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 10, 0, time.UTC)
	l := newTestLimiter(t, &now)
	ctx := context.Background()
	limit := Limit{Requests: 3, Window: time.Minute}

	for i := 1; i <= 3; i++ {
		res, err := l.CheckAndIncrement(ctx, "agent", "read", limit)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3-i, res.Remaining)
	}

	res, err := l.CheckAndIncrement(ctx, "agent", "read", limit)
	require.Error(t, err)
	assert.False(t, res.Allowed)

	e, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindRateLimitExceeded, e.Kind)
	assert.Equal(t, 50*time.Second, e.RetryAfter)
	assert.Equal(t, 3, e.Details["limit"])
}

func TestLimiterWindowReset(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 59, 0, time.UTC)
	l := newTestLimiter(t, &now)
	ctx := context.Background()
	limit := Limit{Requests: 1, Window: time.Minute}

	_, err := l.CheckAndIncrement(ctx, "agent", "read", limit)
	require.NoError(t, err)
	_, err = l.CheckAndIncrement(ctx, "agent", "read", limit)
	require.Error(t, err)

	now = now.Add(time.Second)
	res, err := l.CheckAndIncrement(ctx, "agent", "read", limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, now.Add(time.Minute).Equal(res.ResetAt))
}

func TestLimiterScopesAndAgentsAreIndependent(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(t, &now)
	ctx := context.Background()
	limit := Limit{Requests: 1, Window: time.Hour}

	_, err := l.CheckAndIncrement(ctx, "a", "read", limit)
	require.NoError(t, err)
	_, err = l.CheckAndIncrement(ctx, "a", "write", limit)
	require.NoError(t, err)
	_, err = l.CheckAndIncrement(ctx, "b", "read", limit)
	require.NoError(t, err)
}

func TestLimiterUnlimited(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(t, &now)
	for range 100 {
		res, err := l.CheckAndIncrement(context.Background(), "a", "read", Limit{})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestLimiterConcurrentAllowsExactlyLimit(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(t, &now)
	ctx := context.Background()
	limit := Limit{Requests: 10, Window: time.Minute}

	var allowed, rejected atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.CheckAndIncrement(ctx, "agent", "read", limit)
			switch {
			case err == nil:
				allowed.Add(1)
			case apierr.Is(err, apierr.KindRateLimitExceeded):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
	assert.Equal(t, int32(90), rejected.Load())
}

type brokenCounter struct{}

func (brokenCounter) IncrementWindow(context.Context, string, int64) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestLimiterStoreFailure(t *testing.T) {
	l := New(brokenCounter{}, nil)
	_, err := l.CheckAndIncrement(context.Background(), "a", "read", Limit{Requests: 1, Window: time.Second})
	assert.Equal(t, apierr.KindStoreUnavailable, apierr.KindOf(err))
}

func TestLimitScaled(t *testing.T) {
	l := Limit{Requests: 10, Window: time.Minute}
	assert.Equal(t, 5, l.Scaled(0.5).Requests)
	assert.Equal(t, 1, l.Scaled(0.01).Requests)
	assert.Equal(t, 10, l.Scaled(1).Requests)
	assert.Equal(t, time.Minute, l.Scaled(0.5).Window)
}
