// ABOUTME: Tests for protocol error kinds, extraction and rendering
// ABOUTME: Covers status mapping, wrapping and the Retry-After header

package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidSignature, 400},
		{KindChallengeExpired, 410},
		{KindChallengeNotFound, 404},
		{KindAgentNotFound, 404},
		{KindDuplicateAgent, 409},
		{KindInvalidScope, 400},
		{KindInvalidToken, 401},
		{KindAgentSuspended, 403},
		{KindRateLimitExceeded, 429},
		{KindSpendingCapExceeded, 402},
		{KindInvalidConfig, 500},
		{KindStoreUnavailable, 503},
		{Kind("unknown"), 500},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Status())
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := New(KindDuplicateAgent, "public key already registered")
	wrapped := fmt.Errorf("registering: %w", base)

	assert.Equal(t, KindDuplicateAgent, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindDuplicateAgent))
	assert.False(t, Is(wrapped, KindInvalidToken))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStoreUnavailable, "store failure", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestWriteRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	err := New(KindRateLimitExceeded, "rate limit exceeded").
		WithDetail("limit", 5).
		WithRetryAfter(1500 * time.Millisecond)

	Write(rec, err)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var got struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "rate_limit_exceeded", got.Error.Code)
	assert.Equal(t, float64(5), got.Error.Details["limit"])
	assert.Equal(t, float64(2), got.Error.Details["retry_after_seconds"])
}

func TestWriteHidesInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("secret connection string"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestRetryAfterSecondsMinimum(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(10*time.Millisecond))
	assert.Equal(t, 60, RetryAfterSeconds(time.Minute))
}
