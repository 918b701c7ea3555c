// ABOUTME: Agent context for tracking resolved identity through request handlers
// ABOUTME: Provides WithAgent/FromContext for propagating the agent via context

package auth

import (
	"context"
	"slices"
	"time"

	"github.com/2389/agentgate/internal/ratelimit"
)

// Method records which credential resolved an agent.
type Method string

const (
	MethodAPIKey Method = "api_key"
	MethodJWT    Method = "jwt"
)

// AgentContext is the transient projection of an agent attached to a request.
// It is never persisted.
type AgentContext struct {
	ID         string
	PublicKey  string
	Scopes     []string
	Metadata   map[string]string
	Reputation *int
	// RateLimit is the per-agent override, known only on the API-key path.
	RateLimit *ratelimit.Limit
	Method    Method
	// ExpiresAt is zero for API keys.
	ExpiresAt time.Time
}

// HasScope reports whether scope was granted.
func (a *AgentContext) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

type agentContextKey struct{}

// WithAgent returns a new context with the AgentContext attached.
func WithAgent(ctx context.Context, agent *AgentContext) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agent)
}

// FromContext retrieves the AgentContext, returning nil if not present.
func FromContext(ctx context.Context) *AgentContext {
	agent, _ := ctx.Value(agentContextKey{}).(*AgentContext)
	return agent
}

// IsAgent reports whether the request was made by a resolved agent.
func IsAgent(ctx context.Context) bool {
	return FromContext(ctx) != nil
}
