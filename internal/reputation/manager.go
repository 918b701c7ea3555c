// ABOUTME: Reputation manager evaluating gates and applying clamped adjustments
// ABOUTME: Emits reputation change events through the webhook emitter

package reputation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/store"
	"github.com/2389/agentgate/internal/webhook"
)

// Action is what a gate does to a request.
type Action string

const (
	ActionBlock    Action = "block"
	ActionThrottle Action = "throttle"
	ActionFlag     Action = "flag"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionThrottle, ActionFlag:
		return true
	}
	return false
}

// DefaultThrottleFactor applies when a throttle gate sets no factor.
const DefaultThrottleFactor = 0.5

// Gate maps scores at or below MinReputation to an action.
type Gate struct {
	MinReputation  int
	Action         Action
	ThrottleFactor float64 // throttle only, in (0, 1)
}

// Bounds is the score range and the score new agents start with.
type Bounds struct {
	Min     int
	Max     int
	Initial int
}

// DefaultBounds is 0..100 starting at the mid-point.
var DefaultBounds = Bounds{Min: 0, Max: 100, Initial: 50}

// Decision is the outcome of evaluating gates for a score.
type Decision struct {
	Score int
	Gate  Gate
}

// Action returns the matched gate's action.
func (d *Decision) Action() Action { return d.Gate.Action }

// Store is the subset of the store contract the manager needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	AdjustReputation(ctx context.Context, agentID string, delta, min, max int) (int, error)
}

// Emitter receives lifecycle events.
type Emitter interface {
	Emit(eventType webhook.EventType, payload map[string]any)
}

// Manager evaluates and adjusts reputation.
type Manager struct {
	store  Store
	bounds Bounds
	gates  []Gate
	events Emitter
	logger *slog.Logger
}

// NewManager creates a manager. events may be nil.
func NewManager(s Store, bounds Bounds, gates []Gate, events Emitter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		bounds: bounds,
		gates:  append([]Gate(nil), gates...),
		events: events,
		logger: logger.With("component", "reputation"),
	}
}

// Bounds returns the configured range.
func (m *Manager) Bounds() Bounds { return m.bounds }

// EvaluateScore returns the first gate matching score, or nil.
func (m *Manager) EvaluateScore(score int) *Decision {
	for _, g := range m.gates {
		if g.MinReputation >= score {
			return &Decision{Score: score, Gate: g}
		}
	}
	return nil
}

// Evaluate reads the agent's current score and evaluates the gates.
func (m *Manager) Evaluate(ctx context.Context, agentID string) (*Decision, error) {
	agent, err := m.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.KindAgentNotFound, "agent not found").WithDetail("agent_id", agentID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "reading agent", err)
	}
	return m.EvaluateScore(agent.Reputation), nil
}

// Adjust applies delta to the agent's reputation and returns the new score.
func (m *Manager) Adjust(ctx context.Context, agentID string, delta int, reason string) (int, error) {
	score, err := m.store.AdjustReputation(ctx, agentID, delta, m.bounds.Min, m.bounds.Max)
	if errors.Is(err, store.ErrNotFound) {
		return 0, apierr.New(apierr.KindAgentNotFound, "agent not found").WithDetail("agent_id", agentID)
	}
	if err != nil {
		return 0, apierr.Wrap(apierr.KindStoreUnavailable, "adjusting reputation", err)
	}

	m.logger.Info("reputation adjusted", "agent_id", agentID, "delta", delta, "reputation", score, "reason", reason)
	if m.events != nil {
		m.events.Emit(webhook.EventReputationChanged, map[string]any{
			"agent_id":   agentID,
			"delta":      delta,
			"reputation": score,
			"reason":     reason,
		})
	}
	return score, nil
}
