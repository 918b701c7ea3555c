// ABOUTME: Package webhook delivers agent lifecycle events asynchronously
// ABOUTME: Signed HTTP deliveries with bounded retries and an optional NATS sink

// Package webhook fans lifecycle events out to configured endpoints.
//
// Emit never waits on the network: events are queued and delivered by a
// worker pool. Each delivery is a JSON POST signed with HMAC-SHA256:
//
//	X-AgentGate-Event:     agent.registered
//	X-AgentGate-Delivery:  <uuid>
//	X-AgentGate-Timestamp: <unix seconds>
//	X-AgentGate-Signature: sha256=<hex hmac of the body>
//
// Failed deliveries are retried with exponential backoff and jitter up to
// MaxAttempts, then dropped and logged. When a Publisher is configured the
// event is also published to "<prefix>.<event type>".
package webhook
