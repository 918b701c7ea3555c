// ABOUTME: HTTP middleware that enforces policy for the agent attached by auth
// ABOUTME: Writes apierr JSON and rate limit headers

package policy

import (
	"net/http"
	"strconv"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/auth"
)

// Rate limit headers set on every checked response.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// ScopeFunc picks the scope a request is charged against.
type ScopeFunc func(r *http.Request) string

// FixedScope charges every request against scope.
func FixedScope(scope string) ScopeFunc {
	return func(*http.Request) string { return scope }
}

// QueryScope reads the scope from the named query parameter.
func QueryScope(param string) ScopeFunc {
	return func(r *http.Request) string { return r.URL.Query().Get(param) }
}

// Middleware rejects requests that fail Check. It must run after
// auth.Guard.Middleware.
func (e *Enforcer) Middleware(scope ScopeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			out, err := e.Check(r.Context(), auth.FromContext(r.Context()), scope(r))
			if err != nil {
				apierr.Write(w, err)
				return
			}
			if rl := out.RateLimit; rl != nil && rl.Limit > 0 {
				w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(rl.Limit))
				w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(rl.Remaining))
				w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(rl.ResetAt.Unix(), 10))
			}
			next.ServeHTTP(w, r.WithContext(WithOutcome(r.Context(), out)))
		})
	}
}
