// ABOUTME: Package sigverify checks agent signatures over challenge strings
// ABOUTME: Supports Ed25519 keys and secp256k1 wallet signatures

// Package sigverify verifies proof-of-possession signatures.
//
// The signed message is always CanonicalMessage(nonce, publicKey), which binds
// the signature to the identity claiming it. Ed25519 public keys may be given
// as raw 32-byte keys (hex or base64) or as OpenSSH authorized keys.
// secp256k1 identities are 0x-prefixed wallet addresses; their signatures are
// 65-byte EIP-191 personal_sign signatures from which the signer's address is
// recovered.
//
// Verify is a pure function that reports a boolean. Signer is the matching
// capability used by agents to produce signatures.
package sigverify
