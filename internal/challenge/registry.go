// ABOUTME: Challenge registry backed by a ChallengeStore
// ABOUTME: Generates 32-byte nonces and enforces expiry and single use

package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/store"
)

// DefaultTTL is how long an issued challenge stays valid.
const DefaultTTL = 5 * time.Minute

const nonceBytes = 32

// Registry issues and consumes challenges.
type Registry struct {
	store  store.ChallengeStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates a registry. A non-positive ttl selects DefaultTTL.
func NewRegistry(s store.ChallengeStore, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "challenge"),
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// TTL returns the configured challenge lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Issue creates a registration challenge for publicKey, replacing any outstanding one.
func (r *Registry) Issue(ctx context.Context, publicKey string) (*store.Challenge, error) {
	return r.IssueFor(ctx, publicKey, store.PurposeRegister, nil)
}

// IssueFor creates a challenge with a purpose and an opaque payload that is
// returned unchanged by Lookup and Consume.
func (r *Registry) IssueFor(ctx context.Context, publicKey string, purpose store.ChallengePurpose, payload []byte) (*store.Challenge, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "generating nonce", err)
	}

	now := r.now().UTC()
	ch := &store.Challenge{
		Nonce:     nonce,
		PublicKey: publicKey,
		Purpose:   purpose,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	if err := r.store.SaveChallenge(ctx, ch); err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "saving challenge", err)
	}

	r.logger.Debug("issued challenge", "public_key", publicKey, "purpose", purpose, "expires_at", ch.ExpiresAt)
	return ch, nil
}

// Lookup returns the outstanding challenge for publicKey if its nonce matches
// and it has not expired. It does not consume the challenge.
func (r *Registry) Lookup(ctx context.Context, publicKey, nonce string) (*store.Challenge, error) {
	ch, err := r.store.GetChallenge(ctx, publicKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound()
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "reading challenge", err)
	}
	if ch.Nonce != nonce {
		return nil, notFound()
	}
	if ch.Expired(r.now()) {
		r.dropExpired(ctx, publicKey)
		return nil, expired(ch)
	}
	return ch, nil
}

// Consume atomically removes the challenge for publicKey when nonce matches.
// A second Consume of the same challenge fails with challenge_not_found.
func (r *Registry) Consume(ctx context.Context, publicKey, nonce string) (*store.Challenge, error) {
	ch, err := r.store.TakeChallenge(ctx, publicKey, nonce)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound()
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "consuming challenge", err)
	}
	if ch.Expired(r.now()) {
		return nil, expired(ch)
	}
	r.logger.Debug("consumed challenge", "public_key", publicKey)
	return ch, nil
}

func (r *Registry) dropExpired(ctx context.Context, publicKey string) {
	if err := r.store.DeleteChallenge(ctx, publicKey); err != nil {
		r.logger.Warn("failed to delete expired challenge", "public_key", publicKey, "error", err)
	}
}

func newNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func notFound() *apierr.Error {
	return apierr.New(apierr.KindChallengeNotFound, "no matching challenge for this public key")
}

func expired(ch *store.Challenge) *apierr.Error {
	return apierr.New(apierr.KindChallengeExpired, "challenge has expired").
		WithDetail("expired_at", ch.ExpiresAt.UTC().Format(time.RFC3339))
}
