// ABOUTME: Package challenge issues and consumes proof-of-possession nonces
// ABOUTME: One outstanding challenge per public key with lazy expiry

// Package challenge implements the challenge registry used during agent
// registration and re-authentication.
//
// Issuing a challenge for a public key replaces any earlier one. Lookup is
// non-destructive so a failed signature check leaves the challenge usable
// until it expires or is replaced; Consume removes it atomically, so of two
// concurrent verifications only one succeeds. Expired challenges are removed
// when they are next touched; there is no sweeper.
package challenge
