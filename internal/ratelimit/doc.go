// ABOUTME: Package ratelimit enforces fixed-window request limits per agent and scope
// ABOUTME: Counting is delegated to an atomic store increment

// Package ratelimit implements fixed-window rate limiting.
//
// The window index is floor(now / window). Each (agent, scope) pair has one
// active counter; moving to a new window resets it. Because windows are
// fixed, an agent can issue up to twice the limit across a window boundary.
package ratelimit
