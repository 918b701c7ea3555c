// ABOUTME: Tests for agent registration, verification, re-authentication, and lifecycle
// ABOUTME: Drives the handshake with real Ed25519 and wallet signers

package registration

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/challenge"
	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/sigverify"
	"github.com/2389/agentgate/internal/store"
	"github.com/2389/agentgate/internal/token"
	"github.com/2389/agentgate/internal/webhook"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []webhook.EventType
}

func (r *recordingEmitter) Emit(t webhook.EventType, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, t)
}

func (r *recordingEmitter) all() []webhook.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]webhook.EventType(nil), r.events...)
}

type harness struct {
	svc    *Service
	store  *store.MemoryStore
	tokens *token.Service
	events *recordingEmitter
	steps  []string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{HTTPAddr: ":0"},
		Service: config.ServiceConfig{Name: "test"},
		Auth: config.AuthConfig{
			JWTSecret:           "registration-test-secret-0123456",
			Issuer:              "agentgate-test",
			TokenExpiresIn:      "15m",
			SignatureAlgorithms: []string{"ed25519", "secp256k1"},
		},
		Scopes:       []config.ScopeConfig{{ID: "read"}, {ID: "write"}},
		Registration: config.RegistrationConfig{DefaultScopes: []string{"read"}},
	}
	if mutate != nil {
		mutate(cfg)
	}
	resolved, err := config.Resolve(cfg)
	require.NoError(t, err)

	s, err := store.NewMemoryStore(0)
	require.NoError(t, err)
	tokens, err := token.NewService(resolved.Auth.JWTSecret, resolved.Auth.Issuer)
	require.NoError(t, err)

	h := &harness{store: s, tokens: tokens, events: &recordingEmitter{}}
	h.svc = NewService(resolved, Deps{
		Agents:     s,
		Challenges: challenge.NewRegistry(s, resolved.Registration.ChallengeTTL, nil),
		Tokens:     tokens,
		Events:     h.events,
		OnStep:     func(stage, result string) { h.steps = append(h.steps, stage+":"+result) },
	}, nil)
	return h
}

func newSigner(t *testing.T) *sigverify.Ed25519Signer {
	t.Helper()
	s, err := sigverify.GenerateEd25519Signer()
	require.NoError(t, err)
	return s
}

// register runs the full handshake for signer.
func (h *harness) register(t *testing.T, signer sigverify.Signer, req RegisterRequest) (*Credentials, error) {
	t.Helper()
	ctx := context.Background()
	req.PublicKey = signer.PublicKey()
	ch, err := h.svc.Register(ctx, req)
	require.NoError(t, err)
	sig, err := sigverify.SignChallenge(ctx, signer, ch.Challenge)
	require.NoError(t, err)
	return h.svc.Verify(ctx, VerifyRequest{PublicKey: signer.PublicKey(), Nonce: ch.Challenge, Signature: sig})
}

func TestRegisterAndVerifyIssuesToken(t *testing.T) {
	h := newHarness(t, nil)
	signer := newSigner(t)

	creds, err := h.register(t, signer, RegisterRequest{
		RequestedScopes: []string{"read", "write", "read"},
		Metadata:        map[string]string{"name": "scout"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AgentID)
	assert.Empty(t, creds.APIKey)
	assert.Equal(t, []string{"read", "write"}, creds.ScopesGranted)
	require.NotNil(t, creds.ExpiresAt)

	v, err := h.tokens.Verify(creds.Token)
	require.NoError(t, err)
	assert.Equal(t, creds.AgentID, v.Identity.AgentID)
	assert.Equal(t, signer.PublicKey(), v.Identity.PublicKey)
	assert.Equal(t, []string{"read", "write"}, v.Identity.Scopes)
	assert.Equal(t, 50, *v.Identity.Reputation)

	agent, err := h.store.GetAgent(context.Background(), creds.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusActive, agent.Status)
	assert.Equal(t, "ed25519", agent.Algorithm)
	assert.Equal(t, "scout", agent.Metadata["name"])

	assert.Equal(t, []webhook.EventType{webhook.EventAgentRegistered}, h.events.all())
	assert.Equal(t, []string{"challenge:success", "verify:success"}, h.steps)
}

func TestVerifyIssuesAPIKey(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Auth.Credential = "api_key" })

	creds, err := h.register(t, newSigner(t), RegisterRequest{})
	require.NoError(t, err)
	assert.Empty(t, creds.Token)
	assert.Nil(t, creds.ExpiresAt)
	require.True(t, strings.HasPrefix(creds.APIKey, "agk_"))
	assert.Equal(t, []string{"read"}, creds.ScopesGranted)

	agent, err := h.store.GetAgentByAPIKeyHash(context.Background(), token.HashAPIKey(creds.APIKey))
	require.NoError(t, err)
	assert.Equal(t, creds.AgentID, agent.ID)
}

func TestWrongKeySignatureIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	agentKey, otherKey := newSigner(t), newSigner(t)

	ch, err := h.svc.Register(ctx, RegisterRequest{PublicKey: agentKey.PublicKey()})
	require.NoError(t, err)

	badSig, err := otherKey.Sign(ctx, []byte(sigverify.CanonicalMessage(ch.Challenge, agentKey.PublicKey())))
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, VerifyRequest{PublicKey: agentKey.PublicKey(), Nonce: ch.Challenge, Signature: badSig})
	assert.Equal(t, apierr.KindInvalidSignature, apierr.KindOf(err))

	// The challenge survives a failed attempt.
	goodSig, err := sigverify.SignChallenge(ctx, agentKey, ch.Challenge)
	require.NoError(t, err)
	creds, err := h.svc.Verify(ctx, VerifyRequest{PublicKey: agentKey.PublicKey(), Nonce: ch.Challenge, Signature: goodSig})
	require.NoError(t, err)
	assert.NotEmpty(t, creds.Token)

	// But cannot be used twice.
	_, err = h.svc.Verify(ctx, VerifyRequest{PublicKey: agentKey.PublicKey(), Nonce: ch.Challenge, Signature: goodSig})
	assert.Equal(t, apierr.KindChallengeNotFound, apierr.KindOf(err))
}

func TestRegisterWalletAgent(t *testing.T) {
	h := newHarness(t, nil)
	wallet, err := sigverify.GenerateWalletSigner()
	require.NoError(t, err)

	creds, err := h.register(t, wallet, RegisterRequest{X402Wallet: wallet.PublicKey()})
	require.NoError(t, err)

	agent, err := h.store.GetAgent(context.Background(), creds.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "secp256k1", agent.Algorithm)
	assert.Equal(t, strings.ToLower(wallet.PublicKey()), agent.X402Wallet)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Auth.SignatureAlgorithms = []string{"ed25519"} })
	ctx := context.Background()
	wallet, err := sigverify.GenerateWalletSigner()
	require.NoError(t, err)
	pk := newSigner(t).PublicKey()

	tests := []struct {
		name string
		req  RegisterRequest
		want apierr.Kind
	}{
		{"missing key", RegisterRequest{}, apierr.KindInvalidRequest},
		{"unknown key format", RegisterRequest{PublicKey: "hello"}, apierr.KindInvalidRequest},
		{"algorithm disabled", RegisterRequest{PublicKey: wallet.PublicKey()}, apierr.KindInvalidRequest},
		{"unknown scope", RegisterRequest{PublicKey: pk, RequestedScopes: []string{"admin"}}, apierr.KindInvalidScope},
		{"bad wallet", RegisterRequest{PublicKey: pk, X402Wallet: "not-a-wallet"}, apierr.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Register(ctx, tt.req)
			assert.Equal(t, tt.want, apierr.KindOf(err))
		})
	}
}

func TestDuplicateRegistration(t *testing.T) {
	h := newHarness(t, nil)
	signer := newSigner(t)
	_, err := h.register(t, signer, RegisterRequest{})
	require.NoError(t, err)

	_, err = h.svc.Register(context.Background(), RegisterRequest{PublicKey: signer.PublicKey()})
	assert.Equal(t, apierr.KindDuplicateAgent, apierr.KindOf(err))
}

// reencodedSigner publishes the same Ed25519 key in a different encoding.
type reencodedSigner struct {
	*sigverify.Ed25519Signer
	publicKey string
}

func (s reencodedSigner) PublicKey() string { return s.publicKey }

func hexSigner(s *sigverify.Ed25519Signer) reencodedSigner {
	pub := s.PrivateKey().Public().(ed25519.PublicKey)
	return reencodedSigner{Ed25519Signer: s, publicKey: hex.EncodeToString(pub)}
}

func TestSameKeyInAnotherEncodingIsDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	signer := newSigner(t)
	_, err := h.register(t, signer, RegisterRequest{})
	require.NoError(t, err)

	sshSigner, err := sigverify.NewEd25519SSHSigner(signer.PrivateKey())
	require.NoError(t, err)
	for name, pk := range map[string]string{
		"hex":       hexSigner(signer).PublicKey(),
		"upper hex": strings.ToUpper(hexSigner(signer).PublicKey()),
		"openssh":   sshSigner.PublicKey(),
	} {
		_, err := h.svc.Register(ctx, RegisterRequest{PublicKey: pk})
		assert.Equal(t, apierr.KindDuplicateAgent, apierr.KindOf(err), name)
	}
}

func TestSuspendedAgentCannotReregisterWithReencodedKey(t *testing.T) {
	h := newHarness(t, nil)
	signer := newSigner(t)
	creds, err := h.register(t, signer, RegisterRequest{})
	require.NoError(t, err)
	_, err = h.svc.SuspendAgent(context.Background(), creds.AgentID, "abuse")
	require.NoError(t, err)

	_, err = h.svc.Register(context.Background(), RegisterRequest{PublicKey: hexSigner(signer).PublicKey()})
	assert.Equal(t, apierr.KindDuplicateAgent, apierr.KindOf(err))
}

func TestConcurrentRegistrationsOfOneKeyCreateOneAgent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	signer := newSigner(t)
	reencoded := hexSigner(signer)

	// Both challenges are outstanding before either is redeemed.
	first, err := h.svc.Register(ctx, RegisterRequest{PublicKey: signer.PublicKey()})
	require.NoError(t, err)
	second, err := h.svc.Register(ctx, RegisterRequest{PublicKey: reencoded.PublicKey()})
	require.NoError(t, err)

	sig, err := sigverify.SignChallenge(ctx, signer, first.Challenge)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, VerifyRequest{PublicKey: signer.PublicKey(), Nonce: first.Challenge, Signature: sig})
	require.NoError(t, err)

	sig, err = sigverify.SignChallenge(ctx, reencoded, second.Challenge)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, VerifyRequest{PublicKey: reencoded.PublicKey(), Nonce: second.Challenge, Signature: sig})
	assert.Equal(t, apierr.KindDuplicateAgent, apierr.KindOf(err))

	agents, err := h.store.ListAgents(ctx, store.ListAgentsFilter{})
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestAuthenticateWithReencodedKey(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	signer := newSigner(t)
	reg, err := h.register(t, signer, RegisterRequest{})
	require.NoError(t, err)

	reencoded := hexSigner(signer)
	ch, err := h.svc.RequestAuthChallenge(ctx, reencoded.PublicKey())
	require.NoError(t, err)
	sig, err := sigverify.SignChallenge(ctx, reencoded, ch.Challenge)
	require.NoError(t, err)
	creds, err := h.svc.Authenticate(ctx, VerifyRequest{PublicKey: reencoded.PublicKey(), Nonce: ch.Challenge, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, reg.AgentID, creds.AgentID)
}

func TestWalletKeyIsCaseInsensitive(t *testing.T) {
	h := newHarness(t, nil)
	wallet, err := sigverify.GenerateWalletSigner()
	require.NoError(t, err)
	_, err = h.register(t, wallet, RegisterRequest{})
	require.NoError(t, err)

	upper := "0x" + strings.ToUpper(strings.TrimPrefix(wallet.PublicKey(), "0x"))
	_, err = h.svc.Register(context.Background(), RegisterRequest{PublicKey: upper})
	assert.Equal(t, apierr.KindDuplicateAgent, apierr.KindOf(err))
}

func TestDuplicateWalletRejectedBeforeChallenge(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	wallet := "0x52908400098527886e0f7030069857d2e4169ee7"

	_, err := h.register(t, newSigner(t), RegisterRequest{X402Wallet: wallet})
	require.NoError(t, err)

	second := newSigner(t)
	_, err = h.svc.Register(ctx, RegisterRequest{PublicKey: second.PublicKey(), X402Wallet: strings.ToUpper(wallet[2:])})
	assert.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
	_, err = h.svc.Register(ctx, RegisterRequest{PublicKey: second.PublicKey(), X402Wallet: "0x" + strings.ToUpper(wallet[2:])})
	assert.Equal(t, apierr.KindDuplicateAgent, apierr.KindOf(err))

	// No challenge was issued for the rejected request.
	_, err = h.store.GetChallenge(ctx, second.PublicKey())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDuplicateWalletRaceCaughtAtVerify(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	wallet := "0x52908400098527886e0f7030069857d2e4169ee7"
	a, b := newSigner(t), newSigner(t)

	chA, err := h.svc.Register(ctx, RegisterRequest{PublicKey: a.PublicKey(), X402Wallet: wallet})
	require.NoError(t, err)
	chB, err := h.svc.Register(ctx, RegisterRequest{PublicKey: b.PublicKey(), X402Wallet: wallet})
	require.NoError(t, err)

	sig, err := sigverify.SignChallenge(ctx, a, chA.Challenge)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, VerifyRequest{PublicKey: a.PublicKey(), Nonce: chA.Challenge, Signature: sig})
	require.NoError(t, err)

	sig, err = sigverify.SignChallenge(ctx, b, chB.Challenge)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, VerifyRequest{PublicKey: b.PublicKey(), Nonce: chB.Challenge, Signature: sig})
	assert.Equal(t, apierr.KindDuplicateAgent, apierr.KindOf(err))
}

func TestPendingDefaultStatus(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Registration.DefaultStatus = "pending" })
	signer := newSigner(t)
	creds, err := h.register(t, signer, RegisterRequest{})
	require.NoError(t, err)

	agent, err := h.store.GetAgent(context.Background(), creds.AgentID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusPending, agent.Status)

	// Pending agents cannot re-authenticate until activated.
	_, err = h.svc.RequestAuthChallenge(context.Background(), signer.PublicKey())
	assert.Equal(t, apierr.KindAgentSuspended, apierr.KindOf(err))

	_, err = h.svc.SetStatus(context.Background(), creds.AgentID, store.AgentStatusActive, "approved")
	require.NoError(t, err)
	_, err = h.svc.RequestAuthChallenge(context.Background(), signer.PublicKey())
	assert.NoError(t, err)
	assert.Contains(t, h.events.all(), webhook.EventAgentActivated)
}

func TestAuthenticate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	signer := newSigner(t)
	reg, err := h.register(t, signer, RegisterRequest{})
	require.NoError(t, err)

	ch, err := h.svc.RequestAuthChallenge(ctx, signer.PublicKey())
	require.NoError(t, err)
	sig, err := sigverify.SignChallenge(ctx, signer, ch.Challenge)
	require.NoError(t, err)

	creds, err := h.svc.Authenticate(ctx, VerifyRequest{PublicKey: signer.PublicKey(), Nonce: ch.Challenge, Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, reg.AgentID, creds.AgentID)
	v, err := h.tokens.Verify(creds.Token)
	require.NoError(t, err)
	assert.Equal(t, reg.AgentID, v.Identity.AgentID)
	assert.Contains(t, h.events.all(), webhook.EventAgentAuthenticated)
}

func TestAuthChallengeCannotRegister(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	signer := newSigner(t)
	_, err := h.register(t, signer, RegisterRequest{})
	require.NoError(t, err)

	ch, err := h.svc.RequestAuthChallenge(ctx, signer.PublicKey())
	require.NoError(t, err)
	sig, err := sigverify.SignChallenge(ctx, signer, ch.Challenge)
	require.NoError(t, err)

	_, err = h.svc.Verify(ctx, VerifyRequest{PublicKey: signer.PublicKey(), Nonce: ch.Challenge, Signature: sig})
	assert.Equal(t, apierr.KindChallengeNotFound, apierr.KindOf(err))
}

func TestAuthenticateUnknownAgent(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.RequestAuthChallenge(context.Background(), newSigner(t).PublicKey())
	assert.Equal(t, apierr.KindAgentNotFound, apierr.KindOf(err))
	assert.Equal(t, []string{"auth_challenge:agent_not_found"}, h.steps)
}

func TestVerifyMissingFields(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Verify(context.Background(), VerifyRequest{PublicKey: "pk"})
	require.Error(t, err)
	e, _ := apierr.As(err)
	assert.Equal(t, apierr.KindInvalidRequest, e.Kind)
	assert.Equal(t, []string{"nonce", "signature"}, e.Details["fields"])
}

func TestVerifyExpiredChallenge(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Registration.ChallengeTTL = "1ms" })
	ctx := context.Background()
	signer := newSigner(t)
	ch, err := h.svc.Register(ctx, RegisterRequest{PublicKey: signer.PublicKey()})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	sig, err := sigverify.SignChallenge(ctx, signer, ch.Challenge)
	require.NoError(t, err)
	_, err = h.svc.Verify(ctx, VerifyRequest{PublicKey: signer.PublicKey(), Nonce: ch.Challenge, Signature: sig})
	assert.Equal(t, apierr.KindChallengeExpired, apierr.KindOf(err))
}

func TestSuspendAgent(t *testing.T) {
	h := newHarness(t, nil)
	creds, err := h.register(t, newSigner(t), RegisterRequest{})
	require.NoError(t, err)

	agent, err := h.svc.SuspendAgent(context.Background(), creds.AgentID, "abuse")
	require.NoError(t, err)
	assert.Equal(t, store.AgentStatusSuspended, agent.Status)
	assert.Contains(t, h.events.all(), webhook.EventAgentSuspended)

	_, err = h.svc.SuspendAgent(context.Background(), "missing", "x")
	assert.Equal(t, apierr.KindAgentNotFound, apierr.KindOf(err))

	_, err = h.svc.SetStatus(context.Background(), creds.AgentID, "retired", "x")
	assert.Equal(t, apierr.KindInvalidRequest, apierr.KindOf(err))
}
