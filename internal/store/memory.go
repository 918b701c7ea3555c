// ABOUTME: In-memory Store implementation with per-shard locking
// ABOUTME: Shards are chosen by xxhash so unrelated agents never share a lock

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
)

const shardCount = 32

// DefaultChallengeCapacity bounds outstanding challenges held by a MemoryStore.
const DefaultChallengeCapacity = 100_000

type agentRecord struct {
	mu    sync.Mutex
	agent *Agent
}

type challengeShard struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Challenge]
}

type windowCount struct {
	window int64
	count  int64
}

type counterShard struct {
	mu     sync.Mutex
	counts map[string]windowCount
}

type spendShard struct {
	mu     sync.Mutex
	totals map[string]decimal.Decimal // keyed by agentID|periodKey
}

// MemoryStore is a Store held entirely in memory.
type MemoryStore struct {
	// mu guards the agent indexes only. Mutating a single agent takes the
	// record's own lock under a read lock here.
	mu           sync.RWMutex
	agents       map[string]*agentRecord
	byIdentity   map[string]string
	byWallet     map[string]string
	byAPIKeyHash map[string]string

	challenges [shardCount]*challengeShard
	counters   [shardCount]*counterShard
	spend      [shardCount]*spendShard
}

// NewMemoryStore creates a MemoryStore. challengeCapacity bounds the number of
// outstanding challenges; the least recently issued are evicted first.
func NewMemoryStore(challengeCapacity int) (*MemoryStore, error) {
	if challengeCapacity <= 0 {
		challengeCapacity = DefaultChallengeCapacity
	}
	perShard := challengeCapacity / shardCount
	if perShard < 1 {
		perShard = 1
	}

	m := &MemoryStore{
		agents:       make(map[string]*agentRecord),
		byIdentity:   make(map[string]string),
		byWallet:     make(map[string]string),
		byAPIKeyHash: make(map[string]string),
	}
	for i := range shardCount {
		cache, err := lru.New[string, *Challenge](perShard)
		if err != nil {
			return nil, fmt.Errorf("creating challenge cache: %w", err)
		}
		m.challenges[i] = &challengeShard{cache: cache}
		m.counters[i] = &counterShard{counts: make(map[string]windowCount)}
		m.spend[i] = &spendShard{totals: make(map[string]decimal.Decimal)}
	}
	return m, nil
}

func shardFor(key string) uint64 {
	return xxhash.Sum64String(key) % shardCount
}

// CreateAgent stores a new agent.
func (m *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return ErrDuplicateAgent
	}
	if _, exists := m.byIdentity[agent.IdentityKey()]; exists {
		return ErrDuplicateAgent
	}
	if agent.X402Wallet != "" {
		if _, exists := m.byWallet[agent.X402Wallet]; exists {
			return ErrDuplicateWallet
		}
	}

	m.agents[agent.ID] = &agentRecord{agent: agent.Clone()}
	m.byIdentity[agent.IdentityKey()] = agent.ID
	if agent.X402Wallet != "" {
		m.byWallet[agent.X402Wallet] = agent.ID
	}
	if agent.APIKeyHash != "" {
		m.byAPIKeyHash[agent.APIKeyHash] = agent.ID
	}
	return nil
}

func (m *MemoryStore) snapshot(id string) (*Agent, error) {
	m.mu.RLock()
	rec, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.agent.Clone(), nil
}

// GetAgent returns the agent with the given id.
func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return m.snapshot(id)
}

// GetAgentByKeyFingerprint returns the agent registered with the key fingerprint.
func (m *MemoryStore) GetAgentByKeyFingerprint(ctx context.Context, fingerprint string) (*Agent, error) {
	return m.lookup(m.byIdentity, fingerprint)
}

// GetAgentByWallet returns the agent that registered wallet.
func (m *MemoryStore) GetAgentByWallet(ctx context.Context, wallet string) (*Agent, error) {
	return m.lookup(m.byWallet, wallet)
}

func (m *MemoryStore) lookup(index map[string]string, key string) (*Agent, error) {
	m.mu.RLock()
	id, ok := index[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.snapshot(id)
}

// GetAgentByAPIKeyHash returns the agent holding the API key with this hash.
func (m *MemoryStore) GetAgentByAPIKeyHash(ctx context.Context, hash string) (*Agent, error) {
	return m.lookup(m.byAPIKeyHash, hash)
}

// UpdateAgentStatus sets the lifecycle status of an agent.
func (m *MemoryStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	m.mu.RLock()
	rec, ok := m.agents[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.agent.Status = status
	rec.agent.UpdatedAt = time.Now().UTC()
	rec.mu.Unlock()
	return nil
}

// ListAgents returns agents ordered by creation time.
func (m *MemoryStore) ListAgents(ctx context.Context, filter ListAgentsFilter) ([]*Agent, error) {
	m.mu.RLock()
	recs := make([]*agentRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	out := make([]*Agent, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		a := rec.agent.Clone()
		rec.mu.Unlock()
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteAgent removes an agent and its indexes.
func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	delete(m.byIdentity, rec.agent.IdentityKey())
	if rec.agent.X402Wallet != "" {
		delete(m.byWallet, rec.agent.X402Wallet)
	}
	if rec.agent.APIKeyHash != "" {
		delete(m.byAPIKeyHash, rec.agent.APIKeyHash)
	}
	return nil
}

// SaveChallenge stores ch, replacing any challenge for the same public key.
func (m *MemoryStore) SaveChallenge(ctx context.Context, ch *Challenge) error {
	shard := m.challenges[shardFor(ch.PublicKey)]
	c := *ch
	shard.mu.Lock()
	shard.cache.Add(ch.PublicKey, &c)
	shard.mu.Unlock()
	return nil
}

// GetChallenge returns the outstanding challenge for publicKey.
func (m *MemoryStore) GetChallenge(ctx context.Context, publicKey string) (*Challenge, error) {
	shard := m.challenges[shardFor(publicKey)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	ch, ok := shard.cache.Peek(publicKey)
	if !ok {
		return nil, ErrNotFound
	}
	c := *ch
	return &c, nil
}

// TakeChallenge removes and returns the challenge when the nonce matches.
func (m *MemoryStore) TakeChallenge(ctx context.Context, publicKey, nonce string) (*Challenge, error) {
	shard := m.challenges[shardFor(publicKey)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	ch, ok := shard.cache.Peek(publicKey)
	if !ok || ch.Nonce != nonce {
		return nil, ErrNotFound
	}
	shard.cache.Remove(publicKey)
	return ch, nil
}

// DeleteChallenge removes any challenge for publicKey.
func (m *MemoryStore) DeleteChallenge(ctx context.Context, publicKey string) error {
	shard := m.challenges[shardFor(publicKey)]
	shard.mu.Lock()
	shard.cache.Remove(publicKey)
	shard.mu.Unlock()
	return nil
}

// IncrementWindow increments the counter for key in the given window.
func (m *MemoryStore) IncrementWindow(ctx context.Context, key string, window int64) (int64, error) {
	shard := m.counters[shardFor(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	wc := shard.counts[key]
	if wc.window != window {
		wc = windowCount{window: window}
	}
	wc.count++
	shard.counts[key] = wc
	return wc.count, nil
}

// AdjustReputation applies a clamped delta to an agent's reputation.
func (m *MemoryStore) AdjustReputation(ctx context.Context, agentID string, delta, min, max int) (int, error) {
	m.mu.RLock()
	rec, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.agent.Reputation = clamp(rec.agent.Reputation+delta, min, max)
	rec.agent.UpdatedAt = time.Now().UTC()
	return rec.agent.Reputation, nil
}

// ApplySpend records amount against every bucket unless a hard limit would be exceeded.
func (m *MemoryStore) ApplySpend(ctx context.Context, agentID string, amount decimal.Decimal, buckets []SpendBucket) (*SpendOutcome, error) {
	shard := m.spend[shardFor(agentID)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	return applySpend(amount, buckets, func(periodKey string) (decimal.Decimal, error) {
		return shard.totals[agentID+"|"+periodKey], nil
	}, func(periodKey string, total decimal.Decimal) error {
		shard.totals[agentID+"|"+periodKey] = total
		return nil
	})
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// applySpend runs the hard-cap check and ledger write shared by both stores.
// Callers hold whatever lock or transaction makes the sequence atomic.
func applySpend(
	amount decimal.Decimal,
	buckets []SpendBucket,
	read func(periodKey string) (decimal.Decimal, error),
	write func(periodKey string, total decimal.Decimal) error,
) (*SpendOutcome, error) {
	out := &SpendOutcome{Totals: make([]decimal.Decimal, len(buckets)), Breached: -1}

	for i, b := range buckets {
		cur, err := read(b.PeriodKey)
		if err != nil {
			return nil, err
		}
		out.Totals[i] = cur
		if out.Breached < 0 && b.HardLimit != nil && cur.Add(amount).GreaterThan(*b.HardLimit) {
			out.Breached = i
		}
	}
	if out.Breached >= 0 {
		return out, nil
	}

	for i, b := range buckets {
		next := out.Totals[i].Add(amount)
		if err := write(b.PeriodKey, next); err != nil {
			return nil, err
		}
		out.Totals[i] = next
	}
	out.Applied = true
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
