// Package gateway wires the agentgate components into a running server.
//
// # Overview
//
// New builds every component from a config.Resolved: the store, challenge
// registry, token service, rate limiter, reputation manager, spending
// tracker, webhook emitter, auth guard, policy enforcer, discovery provider
// and metrics. Nothing is process-global; each Gateway owns its own set.
//
// # HTTP API
//
//	GET  /.well-known/agentgate.json   discovery document
//	GET  /agentgate/discovery          discovery document (alias)
//	POST /register                     {publicKey, ...} -> {challenge, expiresAt}
//	POST /register/verify              {publicKey, nonce, signature} -> credentials (201)
//	POST /auth                         {publicKey} -> challenge, or signed -> token
//	GET  /health                       store health, 503 when the store is down
//	GET  /docs                         rendered service docs (when configured)
//	GET  /metrics                      Prometheus exposition (when enabled)
//	GET  /agent/me?scope=S             resolved agent context, policy enforced
//
// /register and /auth are rate limited per client address using
// rate_limits.registration.
//
// # gRPC
//
// When server.grpc_addr is set, a gRPC server exposing the standard health
// service runs behind the agent auth interceptors.
//
// # Listeners
//
// Without Tailscale the HTTP server listens on server.http_addr. With
// tailscale.enabled the gateway joins the tailnet through tsnet and serves
// on :80, or on :443 through Funnel.
//
// # Lifecycle
//
// Run blocks until its context is canceled and then shuts down with a fresh
// five second deadline: HTTP first, then gRPC, tsnet, the webhook queue, the
// NATS connection and finally the store.
package gateway
