// Package metrics exposes agentgate's Prometheus metrics.
//
// Metrics live on a registry owned by the Metrics value rather than the
// global default registry, so tests and multiple gateways in one process do
// not collide. A nil *Metrics is valid and records nothing.
package metrics
