// ABOUTME: Store contract and data types for agent identity and policy state
// ABOUTME: Defines Agent, Challenge and the atomic counter/ledger operations

package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when the public key is already registered
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrDuplicateWallet is returned when the x402 wallet is already bound to another agent
var ErrDuplicateWallet = errors.New("wallet already registered")

// AgentStatus is the lifecycle state of an agent
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusSuspended AgentStatus = "suspended"
	AgentStatusBanned    AgentStatus = "banned"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusActive, AgentStatusSuspended, AgentStatusBanned:
		return true
	}
	return false
}

// RateLimit is a per-agent override of the configured limit.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Agent is a registered agent identity.
type Agent struct {
	ID        string
	PublicKey string
	// KeyFingerprint identifies the key independent of its encoding and is
	// unique across agents. When empty the store uses PublicKey.
	KeyFingerprint string
	Algorithm      string
	ScopesGranted  []string
	Status         AgentStatus
	Reputation     int
	X402Wallet     string
	Metadata       map[string]string
	RateLimit      *RateLimit
	APIKeyHash     string // empty when the agent was issued a JWT
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdentityKey returns the value agent uniqueness is enforced on.
func (a *Agent) IdentityKey() string {
	if a.KeyFingerprint != "" {
		return a.KeyFingerprint
	}
	return a.PublicKey
}

// Clone returns a deep copy of a.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.ScopesGranted != nil {
		c.ScopesGranted = append([]string(nil), a.ScopesGranted...)
	}
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	if a.RateLimit != nil {
		rl := *a.RateLimit
		c.RateLimit = &rl
	}
	return &c
}

// ChallengePurpose separates registration challenges from re-authentication ones.
type ChallengePurpose string

const (
	PurposeRegister ChallengePurpose = "register"
	PurposeAuth     ChallengePurpose = "auth"
)

// Challenge is an outstanding proof-of-possession nonce for a public key.
type Challenge struct {
	Nonce     string
	PublicKey string
	Purpose   ChallengePurpose
	// Payload carries the pending registration request between /register and
	// /register/verify. The store treats it as opaque bytes.
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the challenge is past its expiry at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ListAgentsFilter narrows ListAgents.
type ListAgentsFilter struct {
	Status AgentStatus // empty means any
	Limit  int         // <= 0 means no limit
}

// SpendBucket is one period ledger touched by a spend.
type SpendBucket struct {
	PeriodKey string
	// HardLimit, when set, must not be exceeded by the post-spend total.
	HardLimit *decimal.Decimal
}

// SpendOutcome reports the result of ApplySpend.
type SpendOutcome struct {
	Applied bool
	// Totals holds one entry per bucket: the post-spend totals when applied,
	// the unchanged current totals otherwise.
	Totals []decimal.Decimal
	// Breached is the index of the first hard bucket that would have been
	// exceeded, or -1.
	Breached int
}

// AgentStore persists agent identities.
type AgentStore interface {
	// CreateAgent fails with ErrDuplicateAgent or ErrDuplicateWallet.
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByKeyFingerprint(ctx context.Context, fingerprint string) (*Agent, error)
	GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error)
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	ListAgents(ctx context.Context, filter ListAgentsFilter) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// ChallengeStore holds at most one challenge per public key.
type ChallengeStore interface {
	// SaveChallenge overwrites any challenge for the same public key.
	SaveChallenge(ctx context.Context, ch *Challenge) error
	GetChallenge(ctx context.Context, publicKey string) (*Challenge, error)
	// TakeChallenge atomically removes and returns the challenge if its nonce
	// matches, otherwise ErrNotFound.
	TakeChallenge(ctx context.Context, publicKey, nonce string) (*Challenge, error)
	DeleteChallenge(ctx context.Context, publicKey string) error
}

// CounterStore backs fixed-window rate limiting.
type CounterStore interface {
	// IncrementWindow atomically increments the counter for key in window and
	// returns the post-increment count. A different window index resets the count.
	IncrementWindow(ctx context.Context, key string, window int64) (int64, error)
}

// ReputationStore mutates agent reputation.
type ReputationStore interface {
	// AdjustReputation atomically applies delta clamped to [min, max] and
	// returns the new score.
	AdjustReputation(ctx context.Context, agentID string, delta, min, max int) (int, error)
}

// SpendStore backs the spending ledger.
type SpendStore interface {
	// ApplySpend atomically checks every hard bucket and, only when none
	// would be exceeded, adds amount to every bucket.
	ApplySpend(ctx context.Context, agentID string, amount decimal.Decimal, buckets []SpendBucket) (*SpendOutcome, error)
}

// Store combines every store contract.
type Store interface {
	AgentStore
	ChallengeStore
	CounterStore
	ReputationStore
	SpendStore
	Ping(ctx context.Context) error
	Close() error
}
