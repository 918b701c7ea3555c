// ABOUTME: Tests for the challenge registry
// ABOUTME: Covers overwrite, expiry, single use and concurrent consumption

package challenge

import (
	"context"
	"encoding/base64"
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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	s, err := store.NewMemoryStore(0)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(s, time.Minute, nil)
	r.SetClock(clock.Now)
	return r, clock
}

func TestIssueGeneratesNonce(t *testing.T) {
	r, clock := newTestRegistry(t)

	ch, err := r.Issue(context.Background(), "pk")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(ch.Nonce)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, "pk", ch.PublicKey)
	assert.Equal(t, clock.Now().Add(time.Minute), ch.ExpiresAt)
}

func TestConsumeOnce(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	ch, err := r.Issue(ctx, "pk")
	require.NoError(t, err)

	_, err = r.Lookup(ctx, "pk", ch.Nonce)
	require.NoError(t, err)

	got, err := r.Consume(ctx, "pk", ch.Nonce)
	require.NoError(t, err)
	assert.Equal(t, ch.Nonce, got.Nonce)

	_, err = r.Consume(ctx, "pk", ch.Nonce)
	assert.Equal(t, apierr.KindChallengeNotFound, apierr.KindOf(err))
}

func TestIssueForCarriesPayload(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	ch, err := r.IssueFor(ctx, "pk", store.PurposeAuth, []byte("payload"))
	require.NoError(t, err)

	got, err := r.Lookup(ctx, "pk", ch.Nonce)
	require.NoError(t, err)
	assert.Equal(t, store.PurposeAuth, got.Purpose)
	assert.Equal(t, []byte("payload"), got.Payload)

	taken, err := r.Consume(ctx, "pk", ch.Nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), taken.Payload)
}

func TestReissueOverwrites(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Issue(ctx, "pk")
	require.NoError(t, err)
	second, err := r.Issue(ctx, "pk")
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)

	_, err = r.Lookup(ctx, "pk", first.Nonce)
	assert.Equal(t, apierr.KindChallengeNotFound, apierr.KindOf(err))
	_, err = r.Consume(ctx, "pk", first.Nonce)
	assert.Equal(t, apierr.KindChallengeNotFound, apierr.KindOf(err))

	_, err = r.Consume(ctx, "pk", second.Nonce)
	assert.NoError(t, err)
}

func TestExpiredChallenge(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()

	ch, err := r.Issue(ctx, "pk")
	require.NoError(t, err)

	clock.Advance(time.Minute + time.Millisecond)

	_, err = r.Lookup(ctx, "pk", ch.Nonce)
	assert.Equal(t, apierr.KindChallengeExpired, apierr.KindOf(err))

	// Lookup removed the expired entry.
	_, err = r.Consume(ctx, "pk", ch.Nonce)
	assert.Equal(t, apierr.KindChallengeNotFound, apierr.KindOf(err))
}

func TestConsumeAfterExpiryFails(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := context.Background()

	ch, err := r.Issue(ctx, "pk")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = r.Consume(ctx, "pk", ch.Nonce)
	assert.Equal(t, apierr.KindChallengeExpired, apierr.KindOf(err))
}

func TestUnknownPublicKey(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Lookup(context.Background(), "nobody", "nonce")
	assert.Equal(t, apierr.KindChallengeNotFound, apierr.KindOf(err))
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	ch, err := r.Issue(ctx, "pk")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Consume(ctx, "pk", ch.Nonce); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

type failingStore struct{ store.ChallengeStore }

func (failingStore) GetChallenge(context.Context, string) (*store.Challenge, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailureIsNotNotFound(t *testing.T) {
	r := NewRegistry(failingStore{}, 0, nil)
	_, err := r.Lookup(context.Background(), "pk", "n")
	assert.Equal(t, apierr.KindStoreUnavailable, apierr.KindOf(err))
	assert.Equal(t, DefaultTTL, r.TTL())
}
