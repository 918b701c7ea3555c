// ABOUTME: Ordered rate limit, reputation, and spending enforcement for agent requests
// ABOUTME: Emits lifecycle events for rate limits, blocks, and flags

package policy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/ratelimit"
	"github.com/2389/agentgate/internal/reputation"
	"github.com/2389/agentgate/internal/spending"
	"github.com/2389/agentgate/internal/store"
	"github.com/2389/agentgate/internal/webhook"
)

// OutcomeAllowed is reported to Observer for requests that pass every layer.
const OutcomeAllowed = "allowed"

// AgentReader is the store subset the enforcer reads.
type AgentReader interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// Emitter receives lifecycle events.
type Emitter interface {
	Emit(eventType webhook.EventType, payload map[string]any)
}

// Deps are the collaborators an Enforcer consults.
type Deps struct {
	Agents     AgentReader
	Limiter    *ratelimit.Limiter
	Reputation *reputation.Manager
	Spending   *spending.Tracker
	Events     Emitter
	// Observer, when set, is told the outcome of every check: OutcomeAllowed
	// or the rejecting error kind.
	Observer func(outcome string)
	// OnSpend, when set, is told every recorded charge.
	OnSpend func(currency string, amount float64)
}

// Outcome describes an allowed request.
type Outcome struct {
	Agent     *store.Agent
	RateLimit *ratelimit.Result
	Decision  *reputation.Decision
	Spend     *spending.Result
}

// Enforcer applies the configured policy to agent requests.
type Enforcer struct {
	cfg    *config.Resolved
	deps   Deps
	logger *slog.Logger
}

// NewEnforcer creates an enforcer.
func NewEnforcer(cfg *config.Resolved, deps Deps, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{cfg: cfg, deps: deps, logger: logger.With("component", "policy")}
}

// Check runs every policy layer for agent calling scope. An empty scope is
// counted against the default limit and charged nothing.
func (e *Enforcer) Check(ctx context.Context, agent *auth.AgentContext, scope string) (*Outcome, error) {
	out, err := e.check(ctx, agent, scope)
	if e.deps.Observer != nil {
		if err != nil {
			e.deps.Observer(string(apierr.KindOf(err)))
		} else {
			e.deps.Observer(OutcomeAllowed)
		}
	}
	return out, err
}

func (e *Enforcer) check(ctx context.Context, agent *auth.AgentContext, scope string) (*Outcome, error) {
	if agent == nil {
		return nil, apierr.New(apierr.KindInvalidToken, "authentication required")
	}

	rec, err := e.deps.Agents.GetAgent(ctx, agent.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.KindAgentNotFound, "agent not found").WithDetail("agent_id", agent.ID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "reading agent", err)
	}
	if rec.Status != store.AgentStatusActive {
		return nil, apierr.New(apierr.KindAgentSuspended, "agent is not active").
			WithDetail("status", string(rec.Status))
	}

	if scope != "" && !agent.HasScope(scope) {
		return nil, apierr.New(apierr.KindInvalidScope, "scope not granted").WithDetail("scope", scope)
	}

	out := &Outcome{Agent: rec}
	out.Decision = e.deps.Reputation.EvaluateScore(rec.Reputation)

	limit := e.limitFor(rec, scope)
	if out.Decision != nil && out.Decision.Action() == reputation.ActionThrottle {
		limit = limit.Scaled(out.Decision.Gate.ThrottleFactor)
	}
	out.RateLimit, err = e.deps.Limiter.CheckAndIncrement(ctx, rec.ID, scope, limit)
	if err != nil {
		if apierr.Is(err, apierr.KindRateLimitExceeded) {
			e.onRateLimited(ctx, rec, scope, out)
		}
		return nil, err
	}

	if out.Decision != nil {
		switch out.Decision.Action() {
		case reputation.ActionBlock:
			e.emit(webhook.EventAgentBlocked, map[string]any{
				"agent_id":       rec.ID,
				"reputation":     rec.Reputation,
				"min_reputation": out.Decision.Gate.MinReputation,
				"scope":          scope,
			})
			return nil, apierr.New(apierr.KindReputationBlocked, "reputation too low").
				WithDetail("reputation", rec.Reputation).
				WithDetail("min_reputation", out.Decision.Gate.MinReputation)
		case reputation.ActionFlag:
			e.logger.Info("flagged agent request", "agent_id", rec.ID, "reputation", rec.Reputation, "scope", scope)
			e.emit(webhook.EventAgentFlagged, map[string]any{
				"agent_id":       rec.ID,
				"reputation":     rec.Reputation,
				"min_reputation": out.Decision.Gate.MinReputation,
				"scope":          scope,
			})
		}
	}

	if sc, ok := e.cfg.Scope(scope); ok && sc.Price != nil && sc.Price.IsPositive() && e.deps.Spending != nil {
		out.Spend, err = e.deps.Spending.RecordSpend(ctx, rec.ID, *sc.Price, e.cfg.Currency)
		if err != nil {
			return nil, err
		}
		if e.deps.OnSpend != nil {
			e.deps.OnSpend(e.cfg.Currency, sc.Price.InexactFloat64())
		}
	}
	return out, nil
}

// limitFor prefers the agent's own override over the scope's limit.
func (e *Enforcer) limitFor(rec *store.Agent, scope string) ratelimit.Limit {
	if rec.RateLimit != nil {
		return ratelimit.Limit{Requests: rec.RateLimit.Requests, Window: rec.RateLimit.Window}
	}
	return e.cfg.LimitFor(scope)
}

func (e *Enforcer) onRateLimited(ctx context.Context, rec *store.Agent, scope string, out *Outcome) {
	payload := map[string]any{
		"agent_id": rec.ID,
		"scope":    scope,
	}
	if out.RateLimit != nil {
		payload["limit"] = out.RateLimit.Limit
		payload["reset_at"] = out.RateLimit.ResetAt
	}
	e.emit(webhook.EventRateLimited, payload)

	if penalty := e.cfg.Reputation.RateLimitPenalty; penalty > 0 {
		if _, err := e.deps.Reputation.Adjust(ctx, rec.ID, -penalty, "rate limit exceeded"); err != nil {
			e.logger.Warn("failed to apply rate limit penalty", "agent_id", rec.ID, "error", err)
		}
	}
}

func (e *Enforcer) emit(t webhook.EventType, payload map[string]any) {
	if e.deps.Events != nil {
		e.deps.Events.Emit(t, payload)
	}
}
