// Package policy enforces per-request agent policy.
//
// Enforcer.Check runs the layers in a fixed order for an authenticated
// agent and a scope:
//
//  1. Lifecycle: the agent must exist and be active.
//  2. Scope: the scope must have been granted.
//  3. Rate limit: the scope's limit (or the agent's override) is counted in a
//     fixed window. A throttle gate scales the limit down before counting.
//  4. Reputation: a block gate rejects; a flag gate allows and emits
//     agent.flagged.
//  5. Spending: priced scopes record their price against the spending caps.
//
// The first layer that rejects ends the check; later layers are not
// consulted, so a rate-limited request is never charged.
package policy
