// ABOUTME: Protocol error type with a closed Kind set and status mapping
// ABOUTME: Provides constructors, KindOf extraction, and JSON rendering

package apierr

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Kind identifies a protocol error. The set is closed.
type Kind string

const (
	KindInvalidSignature    Kind = "invalid_signature"
	KindChallengeExpired    Kind = "challenge_expired"
	KindChallengeNotFound   Kind = "challenge_not_found"
	KindAgentNotFound       Kind = "agent_not_found"
	KindDuplicateAgent      Kind = "duplicate_agent"
	KindInvalidScope        Kind = "invalid_scope"
	KindInvalidToken        Kind = "invalid_token"
	KindAgentSuspended      Kind = "agent_suspended"
	KindReputationBlocked   Kind = "reputation_blocked"
	KindRateLimitExceeded   Kind = "rate_limit_exceeded"
	KindSpendingCapExceeded Kind = "spending_cap_exceeded"
	KindInvalidConfig       Kind = "invalid_config"
	KindInvalidRequest      Kind = "invalid_request"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindInternal            Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindInvalidSignature:    http.StatusBadRequest,
	KindChallengeExpired:    http.StatusGone,
	KindChallengeNotFound:   http.StatusNotFound,
	KindAgentNotFound:       http.StatusNotFound,
	KindDuplicateAgent:      http.StatusConflict,
	KindInvalidScope:        http.StatusBadRequest,
	KindInvalidToken:        http.StatusUnauthorized,
	KindAgentSuspended:      http.StatusForbidden,
	KindReputationBlocked:   http.StatusForbidden,
	KindRateLimitExceeded:   http.StatusTooManyRequests,
	KindSpendingCapExceeded: http.StatusPaymentRequired,
	KindInvalidConfig:       http.StatusInternalServerError,
	KindInvalidRequest:      http.StatusBadRequest,
	KindStoreUnavailable:    http.StatusServiceUnavailable,
	KindInternal:            http.StatusInternalServerError,
}

// Status returns the HTTP status associated with the kind.
func (k Kind) Status() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a protocol error.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	// RetryAfter is set for rate-limit and spending-cap rejections.
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error.
func (e *Error) Status() int { return e.Kind.Status() }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind that keeps cause in the chain.
// The cause is never rendered to clients.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail returns e after setting a detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter returns e after setting the retry hint. The hint is also
// exposed in details as retry_after_seconds.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d < 0 {
		d = 0
	}
	e.RetryAfter = d
	return e.WithDetail("retry_after_seconds", RetryAfterSeconds(d))
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// RetryAfterSeconds rounds d up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Code    Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Write renders err as a JSON error response. Errors that are not *Error
// are rendered as internal errors without leaking their message.
func Write(w http.ResponseWriter, err error) {
	e, ok := As(err)
	if !ok {
		e = New(KindInternal, "internal error")
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(e.RetryAfter)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	_ = json.NewEncoder(w).Encode(body{Error: payload{Code: e.Kind, Message: e.Message, Details: e.Details}})
}
