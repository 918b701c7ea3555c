// ABOUTME: Package reputation scores agents and maps scores to gate actions
// ABOUTME: Adjust is the only mutation path and clamps to configured bounds

// Package reputation implements reputation gating.
//
// Gates are evaluated in configured order and the first gate whose
// MinReputation is greater than or equal to the agent's score applies:
//
//	block     reject the request
//	throttle  tighten the effective rate limit by ThrottleFactor
//	flag      allow the request and emit agent.flagged
//
// Reputation changes only through Manager.Adjust, which is atomic in the
// store and clamped to the configured range.
package reputation
