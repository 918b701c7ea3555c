// Package registration implements the agent handshake and lifecycle.
//
// Registration is two steps. Register validates the request and issues a
// challenge that carries the pending request; Verify checks the signature
// over the canonical challenge message, consumes the challenge, creates the
// agent, and returns a credential (an API key or a JWT, as configured).
//
// Registered agents obtain fresh JWTs through the same challenge/response
// with RequestAuthChallenge and Authenticate.
//
// A failed signature check leaves the challenge in place, so an agent may
// retry until it expires or a new Register call replaces it.
package registration
