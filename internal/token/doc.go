// ABOUTME: Package token issues and verifies agent bearer credentials
// ABOUTME: Covers HS256 JWTs, API keys and the expiration grammar

// Package token implements the credential side of agent authentication.
//
// JWTs are signed with HS256 only; verification pins the algorithm, the
// issuer and the presence of the agent claims, and normalises every failure
// to an invalid_token protocol error. API keys are random, carry a fixed
// prefix, and are only ever stored as SHA-256 hashes.
package token
