// ABOUTME: Package store persists agent identities and policy state
// ABOUTME: Offers a sharded in-memory store and a SQLite store

// Package store provides the persistence contract for the gateway.
//
// # Interfaces
//
//   - AgentStore: agent identities, looked up by id, public key or API key hash
//   - ChallengeStore: one outstanding challenge per public key
//   - CounterStore: fixed-window request counters
//   - ReputationStore: clamped reputation updates
//   - SpendStore: per-period spending ledger with hard-cap pre-checks
//
// Store combines them. Every check-and-set operation is atomic inside the
// implementation; callers never read-modify-write.
//
// # Implementations
//
// MemoryStore keeps state in 32 shards selected by xxhash, each with its own
// lock, so unrelated agents never contend. Challenges live in per-shard LRU
// caches bounded by the configured capacity.
//
// SQLiteStore uses modernc.org/sqlite with WAL and a single connection; every
// atomic operation is one statement or one transaction.
//
// # Errors
//
//   - ErrNotFound: entity does not exist
//   - ErrDuplicateAgent: public key already registered
//   - ErrDuplicateWallet: wallet already bound
//
// Any other error is a store failure and must not be treated as not-found.
package store
