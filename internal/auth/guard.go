// ABOUTME: Resolves Authorization headers into agent contexts
// ABOUTME: API keys are hashed and looked up, JWTs are verified, failures yield nil

package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/2389/agentgate/internal/ratelimit"
	"github.com/2389/agentgate/internal/store"
	"github.com/2389/agentgate/internal/token"
)

// AgentLookup is the store subset the guard needs for API keys.
type AgentLookup interface {
	GetAgentByAPIKeyHash(ctx context.Context, hash string) (*store.Agent, error)
}

// TokenVerifier verifies JWT credentials.
type TokenVerifier interface {
	Verify(tokenString string) (*token.Verified, error)
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	// APIKeyPrefix defaults to token.DefaultAPIKeyPrefix.
	APIKeyPrefix string
	// OnResult, when set, observes every resolution attempt that carried a credential.
	OnResult func(method Method, ok bool)
}

// Guard resolves credentials. It never rejects a request.
type Guard struct {
	agents AgentLookup
	tokens TokenVerifier
	prefix string
	result func(Method, bool)
	logger *slog.Logger
}

// NewGuard creates a guard. agents may be nil when only JWTs are issued.
func NewGuard(agents AgentLookup, tokens TokenVerifier, opts GuardOptions, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.APIKeyPrefix == "" {
		opts.APIKeyPrefix = token.DefaultAPIKeyPrefix
	}
	return &Guard{
		agents: agents,
		tokens: tokens,
		prefix: opts.APIKeyPrefix,
		result: opts.OnResult,
		logger: logger.With("component", "auth"),
	}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	scheme, credential, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", "empty token"
	}
	return credential, ""
}

// Resolve turns an Authorization header into an agent context. Any failure
// returns nil and is logged at debug level.
func (g *Guard) Resolve(ctx context.Context, authHeader string) *AgentContext {
	credential, errMsg := extractBearerToken(authHeader)
	if errMsg != "" {
		if authHeader != "" {
			g.logger.Debug("credential not resolved", "reason", errMsg)
		}
		return nil
	}

	switch {
	case strings.HasPrefix(credential, g.prefix):
		agent := g.resolveAPIKey(ctx, credential)
		g.observe(MethodAPIKey, agent != nil)
		return agent
	case token.LooksLikeJWT(credential):
		agent := g.resolveJWT(credential)
		g.observe(MethodJWT, agent != nil)
		return agent
	}
	g.logger.Debug("credential not resolved", "reason", "unrecognised credential format")
	return nil
}

func (g *Guard) resolveAPIKey(ctx context.Context, key string) *AgentContext {
	if g.agents == nil {
		g.logger.Debug("credential not resolved", "reason", "api keys not enabled")
		return nil
	}
	agent, err := g.agents.GetAgentByAPIKeyHash(ctx, token.HashAPIKey(key))
	if err != nil {
		// Store failures degrade to anonymous here; health reports them.
		g.logger.Debug("credential not resolved", "reason", "api key lookup failed", "error", err)
		return nil
	}
	if agent.Status != store.AgentStatusActive {
		g.logger.Debug("credential not resolved", "reason", "agent not active", "agent_id", agent.ID, "status", agent.Status)
		return nil
	}

	rep := agent.Reputation
	ac := &AgentContext{
		ID:         agent.ID,
		PublicKey:  agent.PublicKey,
		Scopes:     append([]string(nil), agent.ScopesGranted...),
		Metadata:   agent.Metadata,
		Reputation: &rep,
		Method:     MethodAPIKey,
	}
	if agent.RateLimit != nil {
		ac.RateLimit = &ratelimit.Limit{Requests: agent.RateLimit.Requests, Window: agent.RateLimit.Window}
	}
	return ac
}

func (g *Guard) resolveJWT(credential string) *AgentContext {
	if g.tokens == nil {
		return nil
	}
	v, err := g.tokens.Verify(credential)
	if err != nil {
		g.logger.Debug("credential not resolved", "reason", "token rejected", "error", err)
		return nil
	}
	return &AgentContext{
		ID:         v.Identity.AgentID,
		PublicKey:  v.Identity.PublicKey,
		Scopes:     v.Identity.Scopes,
		Metadata:   v.Identity.Metadata,
		Reputation: v.Identity.Reputation,
		Method:     MethodJWT,
		ExpiresAt:  v.ExpiresAt,
	}
}

func (g *Guard) observe(m Method, ok bool) {
	if g.result != nil {
		g.result(m, ok)
	}
}
