// Package auth resolves agent credentials for agentgate.
//
// # Credentials
//
// Requests carry "Authorization: Bearer <credential>". Two kinds exist:
//
//   - API keys start with the configured prefix (default "agk_"). The key is
//     hashed with SHA-256 and looked up; the raw key is never stored. Only
//     agents with status active resolve.
//   - JWTs start with "eyJ" and are verified by token.Service. Scopes are taken
//     from the token as issued; there is no live store check.
//
// # Guard
//
// Guard.Resolve never returns an error. Any failure (missing header, unknown
// key, bad token, inactive agent) yields nil and a debug log line. The HTTP
// middleware and gRPC interceptors attach the result to the context and let
// the handler decide:
//
//	mux.Handle("/data", guard.Middleware(handler))
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    agent := auth.FromContext(r.Context())
//	    if agent == nil {
//	        // anonymous caller
//	    }
//	}
package auth
