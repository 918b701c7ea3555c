// ABOUTME: Registration, verification, and re-authentication of agents
// ABOUTME: Creates agent records, issues credentials, and manages lifecycle status

package registration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/challenge"
	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/sigverify"
	"github.com/2389/agentgate/internal/store"
	"github.com/2389/agentgate/internal/token"
	"github.com/2389/agentgate/internal/webhook"
)

// Handshake stages reported to Deps.OnStep.
const (
	StageChallenge     = "challenge"
	StageVerify        = "verify"
	StageAuthChallenge = "auth_challenge"
	StageAuthenticate  = "authenticate"
)

// Emitter receives lifecycle events.
type Emitter interface {
	Emit(eventType webhook.EventType, payload map[string]any)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Agents     store.AgentStore
	Challenges *challenge.Registry
	Tokens     *token.Service
	Events     Emitter
	// OnStep, when set, observes each handshake step as "success" or the
	// error kind.
	OnStep func(stage, result string)
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	PublicKey       string            `json:"publicKey"`
	RequestedScopes []string          `json:"requestedScopes,omitempty"`
	X402Wallet      string            `json:"x402Wallet,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ChallengeResponse is returned by Register and RequestAuthChallenge.
type ChallengeResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerifyRequest is the body of POST /register/verify and the signed form of POST /auth.
type VerifyRequest struct {
	PublicKey string `json:"publicKey"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// Credentials are returned by Verify and Authenticate. Exactly one of APIKey
// and Token is set.
type Credentials struct {
	AgentID       string     `json:"agentId"`
	APIKey        string     `json:"apiKey,omitempty"`
	Token         string     `json:"token,omitempty"`
	ScopesGranted []string   `json:"scopesGranted"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// pending is the registration request carried by a challenge.
type pending struct {
	Algorithm sigverify.Algorithm `json:"algorithm"`
	Scopes    []string            `json:"scopes"`
	Wallet    string              `json:"wallet,omitempty"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
}

// Service implements the handshake.
type Service struct {
	cfg    *config.Resolved
	deps   Deps
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a registration service.
func NewService(cfg *config.Resolved, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		logger: logger.With("component", "registration"),
	}
}

// SetClock overrides the clock used for agent timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Register validates req and issues a registration challenge.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*ChallengeResponse, error) {
	resp, err := s.register(ctx, req)
	s.step(StageChallenge, err)
	return resp, err
}

func (s *Service) register(ctx context.Context, req RegisterRequest) (*ChallengeResponse, error) {
	alg, err := s.algorithmFor(req.PublicKey)
	if err != nil {
		return nil, err
	}
	scopes, err := s.grantScopes(req.RequestedScopes)
	if err != nil {
		return nil, err
	}
	wallet := strings.ToLower(req.X402Wallet)
	if wallet != "" && !sigverify.IsWalletAddress(wallet) {
		return nil, apierr.New(apierr.KindInvalidRequest, "x402Wallet must be a 0x-prefixed 20-byte address")
	}

	fingerprint, err := sigverify.Fingerprint(req.PublicKey)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, "publicKey is not a supported key format", err)
	}
	_, err = s.deps.Agents.GetAgentByKeyFingerprint(ctx, fingerprint)
	switch {
	case err == nil:
		return nil, apierr.New(apierr.KindDuplicateAgent, "public key is already registered")
	case !errors.Is(err, store.ErrNotFound):
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "checking public key", err)
	}
	if wallet != "" {
		_, err = s.deps.Agents.GetAgentByWallet(ctx, wallet)
		switch {
		case err == nil:
			return nil, apierr.New(apierr.KindDuplicateAgent, "x402 wallet is already registered")
		case !errors.Is(err, store.ErrNotFound):
			return nil, apierr.Wrap(apierr.KindStoreUnavailable, "checking x402 wallet", err)
		}
	}

	payload, err := json.Marshal(pending{Algorithm: alg, Scopes: scopes, Wallet: wallet, Metadata: req.Metadata})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "encoding registration", err)
	}
	ch, err := s.deps.Challenges.IssueFor(ctx, req.PublicKey, store.PurposeRegister, payload)
	if err != nil {
		return nil, err
	}
	return &ChallengeResponse{Challenge: ch.Nonce, ExpiresAt: ch.ExpiresAt}, nil
}

// Verify checks the signed challenge, creates the agent, and issues its credential.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*Credentials, error) {
	creds, err := s.verify(ctx, req)
	s.step(StageVerify, err)
	return creds, err
}

func (s *Service) verify(ctx context.Context, req VerifyRequest) (*Credentials, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ch, err := s.deps.Challenges.Lookup(ctx, req.PublicKey, req.Nonce)
	if err != nil {
		return nil, err
	}
	if ch.Purpose != store.PurposeRegister {
		return nil, apierr.New(apierr.KindChallengeNotFound, "no matching registration challenge for this public key")
	}
	var p pending
	if err := json.Unmarshal(ch.Payload, &p); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "decoding registration", err)
	}

	if !sigverify.Verify(req.PublicKey, req.Nonce, req.Signature, p.Algorithm) {
		s.logger.Info("signature rejected", "public_key", req.PublicKey, "algorithm", p.Algorithm)
		return nil, apierr.New(apierr.KindInvalidSignature, "signature does not match public key")
	}
	fingerprint, err := sigverify.Fingerprint(req.PublicKey)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInvalidRequest, "publicKey is not a supported key format", err)
	}
	if _, err := s.deps.Challenges.Consume(ctx, req.PublicKey, req.Nonce); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	agent := &store.Agent{
		ID:             uuid.New().String(),
		PublicKey:      req.PublicKey,
		KeyFingerprint: fingerprint,
		Algorithm:      string(p.Algorithm),
		ScopesGranted:  p.Scopes,
		Status:         s.cfg.Registration.DefaultStatus,
		Reputation:     s.cfg.Reputation.Bounds.Initial,
		X402Wallet:     p.Wallet,
		Metadata:       p.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var apiKey string
	if s.cfg.Auth.Credential == config.CredentialAPIKey {
		apiKey, err = token.GenerateAPIKey(s.cfg.Auth.APIKeyPrefix)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternal, "generating api key", err)
		}
		agent.APIKeyHash = token.HashAPIKey(apiKey)
	}

	if err := s.deps.Agents.CreateAgent(ctx, agent); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateWallet):
			return nil, apierr.New(apierr.KindDuplicateAgent, "x402 wallet is already registered")
		case errors.Is(err, store.ErrDuplicateAgent):
			return nil, apierr.New(apierr.KindDuplicateAgent, "public key is already registered")
		}
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "creating agent", err)
	}

	s.logger.Info("agent registered", "agent_id", agent.ID, "algorithm", agent.Algorithm, "status", agent.Status)
	s.emit(webhook.EventAgentRegistered, map[string]any{
		"agent_id":   agent.ID,
		"public_key": agent.PublicKey,
		"scopes":     agent.ScopesGranted,
		"status":     string(agent.Status),
	})

	creds := &Credentials{AgentID: agent.ID, ScopesGranted: agent.ScopesGranted}
	if apiKey != "" {
		creds.APIKey = apiKey
		return creds, nil
	}
	issued, err := s.issueToken(agent)
	if err != nil {
		return nil, err
	}
	creds.Token = issued.Token
	creds.ExpiresAt = &issued.ExpiresAt
	return creds, nil
}

// RequestAuthChallenge issues a re-authentication challenge for a registered agent.
func (s *Service) RequestAuthChallenge(ctx context.Context, publicKey string) (*ChallengeResponse, error) {
	resp, err := s.requestAuthChallenge(ctx, publicKey)
	s.step(StageAuthChallenge, err)
	return resp, err
}

func (s *Service) requestAuthChallenge(ctx context.Context, publicKey string) (*ChallengeResponse, error) {
	if publicKey == "" {
		return nil, apierr.New(apierr.KindInvalidRequest, "publicKey is required")
	}
	agent, err := s.agentByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if err := requireActive(agent); err != nil {
		return nil, err
	}
	ch, err := s.deps.Challenges.IssueFor(ctx, publicKey, store.PurposeAuth, nil)
	if err != nil {
		return nil, err
	}
	return &ChallengeResponse{Challenge: ch.Nonce, ExpiresAt: ch.ExpiresAt}, nil
}

// Authenticate verifies a signed auth challenge and issues a fresh JWT.
func (s *Service) Authenticate(ctx context.Context, req VerifyRequest) (*Credentials, error) {
	creds, err := s.authenticate(ctx, req)
	s.step(StageAuthenticate, err)
	return creds, err
}

func (s *Service) authenticate(ctx context.Context, req VerifyRequest) (*Credentials, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ch, err := s.deps.Challenges.Lookup(ctx, req.PublicKey, req.Nonce)
	if err != nil {
		return nil, err
	}
	if ch.Purpose != store.PurposeAuth {
		return nil, apierr.New(apierr.KindChallengeNotFound, "no matching auth challenge for this public key")
	}
	agent, err := s.agentByPublicKey(ctx, req.PublicKey)
	if err != nil {
		return nil, err
	}
	if !sigverify.Verify(req.PublicKey, req.Nonce, req.Signature, sigverify.Algorithm(agent.Algorithm)) {
		return nil, apierr.New(apierr.KindInvalidSignature, "signature does not match public key")
	}
	if _, err := s.deps.Challenges.Consume(ctx, req.PublicKey, req.Nonce); err != nil {
		return nil, err
	}
	if err := requireActive(agent); err != nil {
		return nil, err
	}

	issued, err := s.issueToken(agent)
	if err != nil {
		return nil, err
	}
	s.emit(webhook.EventAgentAuthenticated, map[string]any{"agent_id": agent.ID})
	return &Credentials{
		AgentID:       agent.ID,
		Token:         issued.Token,
		ScopesGranted: agent.ScopesGranted,
		ExpiresAt:     &issued.ExpiresAt,
	}, nil
}

// SetStatus moves an agent to status and emits the matching lifecycle event.
func (s *Service) SetStatus(ctx context.Context, agentID string, status store.AgentStatus, reason string) (*store.Agent, error) {
	if !status.Valid() {
		return nil, apierr.New(apierr.KindInvalidRequest, "unknown agent status").WithDetail("status", string(status))
	}
	err := s.deps.Agents.UpdateAgentStatus(ctx, agentID, status)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.KindAgentNotFound, "agent not found").WithDetail("agent_id", agentID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "updating agent status", err)
	}
	agent, err := s.deps.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "reading agent", err)
	}

	s.logger.Info("agent status changed", "agent_id", agentID, "status", status, "reason", reason)
	if event, ok := statusEvents[status]; ok {
		s.emit(event, map[string]any{
			"agent_id": agentID,
			"status":   string(status),
			"reason":   reason,
		})
	}
	return agent, nil
}

// SuspendAgent suspends an agent.
func (s *Service) SuspendAgent(ctx context.Context, agentID, reason string) (*store.Agent, error) {
	return s.SetStatus(ctx, agentID, store.AgentStatusSuspended, reason)
}

var statusEvents = map[store.AgentStatus]webhook.EventType{
	store.AgentStatusActive:    webhook.EventAgentActivated,
	store.AgentStatusSuspended: webhook.EventAgentSuspended,
	store.AgentStatusBanned:    webhook.EventAgentBanned,
}

func (s *Service) algorithmFor(publicKey string) (sigverify.Algorithm, error) {
	if publicKey == "" {
		return "", apierr.New(apierr.KindInvalidRequest, "publicKey is required")
	}
	alg, ok := sigverify.DetectAlgorithm(publicKey)
	if !ok {
		return "", apierr.New(apierr.KindInvalidRequest, "publicKey is not a supported key format")
	}
	if !s.cfg.AlgorithmAllowed(alg) {
		return "", apierr.New(apierr.KindInvalidRequest, "signature algorithm is not enabled").
			WithDetail("algorithm", string(alg))
	}
	return alg, nil
}

// grantScopes validates requested against the catalogue. An empty request
// receives the configured defaults.
func (s *Service) grantScopes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string{}, s.cfg.Registration.DefaultScopes...), nil
	}
	granted := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := s.cfg.Scope(id); !ok {
			return nil, apierr.New(apierr.KindInvalidScope, "unknown scope").
				WithDetail("scope", id).
				WithDetail("available", s.cfg.ScopeIDs())
		}
		if !slices.Contains(granted, id) {
			granted = append(granted, id)
		}
	}
	return granted, nil
}

// agentByPublicKey finds the agent holding publicKey in any of its encodings.
func (s *Service) agentByPublicKey(ctx context.Context, publicKey string) (*store.Agent, error) {
	fingerprint, err := sigverify.Fingerprint(publicKey)
	if err != nil {
		return nil, apierr.New(apierr.KindAgentNotFound, "no agent is registered with this public key")
	}
	agent, err := s.deps.Agents.GetAgentByKeyFingerprint(ctx, fingerprint)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.KindAgentNotFound, "no agent is registered with this public key")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStoreUnavailable, "reading agent", err)
	}
	return agent, nil
}

func (s *Service) issueToken(agent *store.Agent) (*token.Issued, error) {
	rep := agent.Reputation
	issued, err := s.deps.Tokens.Issue(token.Identity{
		AgentID:    agent.ID,
		PublicKey:  agent.PublicKey,
		Scopes:     agent.ScopesGranted,
		Metadata:   agent.Metadata,
		Reputation: &rep,
	}, s.cfg.Auth.TokenExpiresIn)
	if err != nil {
		if apierr.Is(err, apierr.KindInvalidConfig) {
			return nil, err
		}
		return nil, apierr.Wrap(apierr.KindInternal, "issuing token", err)
	}
	return issued, nil
}

func requireActive(agent *store.Agent) error {
	if agent.Status == store.AgentStatusActive {
		return nil
	}
	return apierr.New(apierr.KindAgentSuspended, "agent is not active").
		WithDetail("status", string(agent.Status))
}

func (r VerifyRequest) validate() error {
	var missing []string
	if r.PublicKey == "" {
		missing = append(missing, "publicKey")
	}
	if r.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if r.Signature == "" {
		missing = append(missing, "signature")
	}
	if len(missing) > 0 {
		return apierr.New(apierr.KindInvalidRequest, "missing required fields").WithDetail("fields", missing)
	}
	return nil
}

func (s *Service) step(stage string, err error) {
	if s.deps.OnStep == nil {
		return
	}
	if err != nil {
		s.deps.OnStep(stage, string(apierr.KindOf(err)))
		return
	}
	s.deps.OnStep(stage, "success")
}

func (s *Service) emit(t webhook.EventType, payload map[string]any) {
	if s.deps.Events != nil {
		s.deps.Events.Emit(t, payload)
	}
}
