// ABOUTME: HTTP middleware that attaches the resolved agent to the request context
// ABOUTME: Never rejects, access decisions belong to the handlers behind it

package auth

import "net/http"

// Middleware resolves the Authorization header and attaches the agent, if any.
// Requests without a valid credential continue as anonymous.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if agent := g.Resolve(r.Context(), r.Header.Get("Authorization")); agent != nil {
			r = r.WithContext(WithAgent(r.Context(), agent))
		}
		next.ServeHTTP(w, r)
	})
}
