// ABOUTME: HTTP handlers for registration, authentication, health, and the agent profile
// ABOUTME: Decodes JSON requests and writes apierr-shaped errors

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/auth"
	"github.com/2389/agentgate/internal/policy"
	"github.com/2389/agentgate/internal/registration"
)

// maxBodyBytes bounds request bodies on the public endpoints.
const maxBodyBytes = 64 << 10

// Rate limit scopes for the unauthenticated endpoints, keyed by client address.
const (
	scopeRegister = "register"
	scopeAuth     = "auth"
)

// AuthRequest is the body of POST /auth. A request with only publicKey asks
// for a challenge; one with nonce and signature redeems it.
type AuthRequest struct {
	PublicKey string `json:"publicKey"`
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// AuthResponse is returned by a signed POST /auth.
type AuthResponse struct {
	AgentID   string    `json:"agentId"`
	Token     string    `json:"token"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Uptime  string        `json:"uptime"`
	Storage StorageHealth `json:"storage"`
}

// StorageHealth reports the store ping.
type StorageHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ProfileResponse is the body of GET /agent/me.
type ProfileResponse struct {
	AgentID          string            `json:"agentId"`
	PublicKey        string            `json:"publicKey"`
	Method           string            `json:"method"`
	Status           string            `json:"status"`
	Scopes           []string          `json:"scopes"`
	Reputation       int               `json:"reputation"`
	ReputationAction string            `json:"reputationAction,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Spend            map[string]string `json:"spend,omitempty"`
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := g.limitClient(r, scopeRegister); err != nil {
		apierr.Write(w, err)
		return
	}
	var req registration.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	resp, err := g.registration.Register(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req registration.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	creds, err := g.registration.Verify(r.Context(), req)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, creds)
}

func (g *Gateway) handleAuth(w http.ResponseWriter, r *http.Request) {
	if err := g.limitClient(r, scopeAuth); err != nil {
		apierr.Write(w, err)
		return
	}
	var req AuthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierr.Write(w, err)
		return
	}

	if req.Nonce == "" && req.Signature == "" {
		ch, err := g.registration.RequestAuthChallenge(r.Context(), req.PublicKey)
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ch)
		return
	}

	creds, err := g.registration.Authenticate(r.Context(), registration.VerifyRequest{
		PublicKey: req.PublicKey,
		Nonce:     req.Nonce,
		Signature: req.Signature,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{
		AgentID:   creds.AgentID,
		Token:     creds.Token,
		Scopes:    creds.ScopesGranted,
		ExpiresAt: *creds.ExpiresAt,
	})
}

// handleHealth reports store health. It returns 503 when the store ping fails.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "ok",
		Version: g.version,
		Uptime:  time.Since(g.startedAt).Round(time.Second).String(),
		Storage: StorageHealth{Status: "ok"},
	}
	status := http.StatusOK
	serving := healthpb.HealthCheckResponse_SERVING
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("store health check failed", "error", err)
		resp.Status = "degraded"
		resp.Storage = StorageHealth{Status: "unavailable", Error: err.Error()}
		status = http.StatusServiceUnavailable
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if g.health != nil {
		g.health.SetServingStatus("", serving)
	}
	writeJSON(w, status, resp)
}

// handleAgentProfile returns the caller's resolved identity. It runs behind
// the guard and policy middleware.
func (g *Gateway) handleAgentProfile(w http.ResponseWriter, r *http.Request) {
	agent := auth.FromContext(r.Context())
	out := policy.OutcomeFromContext(r.Context())
	if agent == nil || out == nil || out.Agent == nil {
		apierr.Write(w, apierr.New(apierr.KindInvalidToken, "authentication required"))
		return
	}

	resp := ProfileResponse{
		AgentID:    agent.ID,
		PublicKey:  agent.PublicKey,
		Method:     string(agent.Method),
		Status:     string(out.Agent.Status),
		Scopes:     out.Agent.ScopesGranted,
		Reputation: out.Agent.Reputation,
		Metadata:   out.Agent.Metadata,
	}
	if out.Decision != nil {
		resp.ReputationAction = string(out.Decision.Action())
	}
	if out.Spend != nil && len(out.Spend.Totals) > 0 {
		resp.Spend = make(map[string]string, len(out.Spend.Totals))
		for key, total := range out.Spend.Totals {
			resp.Spend[key] = total.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// limitClient applies the registration rate limit to the client address.
func (g *Gateway) limitClient(r *http.Request, scope string) error {
	_, err := g.limiter.CheckAndIncrement(r.Context(), "ip:"+clientAddr(r), scope, g.config.RegistrationLimit)
	if err != nil && apierr.Is(err, apierr.KindRateLimitExceeded) {
		g.logger.Info("client rate limited", "addr", clientAddr(r), "scope", scope)
	}
	return err
}

// clientAddr returns the host part of RemoteAddr, which RealIP has already
// replaced with the forwarded address when present.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError logs unexpected failures before writing err.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch apierr.KindOf(err) {
	case apierr.KindInternal, apierr.KindStoreUnavailable, apierr.KindInvalidConfig:
		g.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	apierr.Write(w, err)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apierr.New(apierr.KindInvalidRequest, "request body too large")
		case errors.Is(err, io.EOF):
			return apierr.New(apierr.KindInvalidRequest, "request body is required")
		}
		return apierr.Wrap(apierr.KindInvalidRequest, "invalid JSON body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
