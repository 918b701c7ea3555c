// ABOUTME: Tests for the discovery document builder, schema validation, and provider
// ABOUTME: Covers field mapping, missing-field reporting, ETags, and docs rendering

package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agentgate/internal/config"
)

func testResolved(t *testing.T) *config.Resolved {
	t.Helper()
	r, err := config.Resolve(&config.Config{
		Server: config.ServerConfig{HTTPAddr: ":0", BaseURL: "https://api.example.com/"},
		Service: config.ServiceConfig{
			Name:         "Weather API",
			Description:  "Forecasts for agents",
			SupportEmail: "help@example.com",
		},
		Auth: config.AuthConfig{
			JWTSecret:           "discovery-test-secret-0123456789",
			SignatureAlgorithms: []string{"ed25519", "secp256k1"},
		},
		Scopes: []config.ScopeConfig{
			{ID: "weather:read", Description: "Read forecasts", Price: "0.01",
				RateLimit: &config.RateLimitConfig{Requests: 60, Window: "1m"}},
			{ID: "weather:write"},
		},
		RateLimits: config.RateLimitsConfig{
			Registration: &config.RateLimitConfig{Requests: 5, Window: "1h"},
		},
		Payment: &config.PaymentConfig{
			Protocol: "x402", Version: "1", Networks: []string{"base"}, Currency: "usdc",
		},
		CompanionProtocols: map[string]string{"mcp": "https://api.example.com/mcp"},
	})
	require.NoError(t, err)
	return r
}

func TestBuild(t *testing.T) {
	doc := Build(testResolved(t))

	assert.Equal(t, ProtocolVersion, doc.AgentGateVersion)
	assert.Equal(t, "Weather API", doc.ServiceName)
	assert.Equal(t, "https://api.example.com/register", doc.RegistrationEndpoint)
	assert.Equal(t, "https://api.example.com/register/verify", doc.VerifyEndpoint)
	assert.Equal(t, "https://api.example.com/auth", doc.AuthEndpoint)
	assert.Equal(t, []string{"jwt"}, doc.AuthMethods)
	assert.Equal(t, []string{"ed25519", "secp256k1"}, doc.SignatureAlgorithms)

	require.Len(t, doc.ScopesAvailable, 2)
	assert.Equal(t, Scope{
		ID: "weather:read", Description: "Read forecasts", Price: "0.01",
		RateLimit: &RateLimit{Requests: 60, Window: "1m"},
	}, doc.ScopesAvailable[0])
	assert.Nil(t, doc.ScopesAvailable[1].RateLimit)

	assert.Equal(t, RateLimit{Requests: 5, Window: "1h"}, doc.RateLimits.Registration)
	assert.Equal(t, RateLimit{Requests: 100, Window: "1m"}, doc.RateLimits.Default)

	require.NotNil(t, doc.Payment)
	assert.Equal(t, "USDC", doc.Payment.Currency)
	assert.Equal(t, "https://api.example.com/mcp", doc.CompanionProtocols["mcp"])
}

func TestBuildRelativeEndpoints(t *testing.T) {
	r := testResolved(t)
	r.Server.BaseURL = ""
	doc := Build(r)
	assert.Equal(t, "/register", doc.RegistrationEndpoint)
	assert.Equal(t, "/auth", doc.AuthEndpoint)
}

func TestFormatWindow(t *testing.T) {
	assert.Equal(t, "2d", formatWindow(48*time.Hour))
	assert.Equal(t, "1h", formatWindow(time.Hour))
	assert.Equal(t, "90m", formatWindow(90*time.Minute))
	assert.Equal(t, "45s", formatWindow(45*time.Second))
	assert.Equal(t, "1.5s", formatWindow(1500*time.Millisecond))
}

func TestValidateAcceptsBuiltDocument(t *testing.T) {
	raw, err := json.Marshal(Build(testResolved(t)))
	require.NoError(t, err)

	missing, err := Validate(raw)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestValidateReportsEveryMissingField(t *testing.T) {
	missing, err := Validate([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"agentgate_version",
		"auth_endpoint",
		"auth_methods",
		"registration_endpoint",
		"scopes_available",
		"service_name",
	}, missing)
}

func TestValidateReportsSingleMissingField(t *testing.T) {
	raw, err := json.Marshal(Build(testResolved(t)))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	delete(m, "auth_endpoint")
	raw, err = json.Marshal(m)
	require.NoError(t, err)

	missing, err := Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth_endpoint"}, missing)
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	_, err := Validate([]byte(`{not json`))
	assert.Error(t, err)
}

func TestProviderServesWithETag(t *testing.T) {
	p, err := NewProvider(testResolved(t))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathWellKnown, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, CacheControl, rec.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, p.ETag(), etag)

	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "Weather API", doc.ServiceName)

	req := httptest.NewRequest(http.MethodGet, PathWellKnown, nil)
	req.Header.Set("If-None-Match", `"other", `+etag)
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestProviderIsDeterministic(t *testing.T) {
	a, err := NewProvider(testResolved(t))
	require.NoError(t, err)
	b, err := NewProvider(testResolved(t))
	require.NoError(t, err)
	assert.Equal(t, a.ETag(), b.ETag())
}

func TestProviderRejectsPost(t *testing.T) {
	p, err := NewProvider(testResolved(t))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, PathWellKnown, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestDocsHandler(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.md")
	require.NoError(t, os.WriteFile(path, []byte("# Weather API\n\n| scope | price |\n|---|---|\n| read | 0.01 |\n"), 0o600))

	h, err := NewDocsHandler("Weather API", path)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, PathDocs, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<title>Weather API</title>")
	assert.Contains(t, body, "<h1>Weather API</h1>")
	assert.Contains(t, body, "<table>")

	_, err = NewDocsHandler("x", filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}
