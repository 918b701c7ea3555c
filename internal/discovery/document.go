// ABOUTME: Discovery document types and the pure builder from resolved configuration
// ABOUTME: Lists endpoints, scopes, auth methods, limits, and payment details

package discovery

import (
	"fmt"
	"strings"
	"time"

	"github.com/2389/agentgate/internal/config"
	"github.com/2389/agentgate/internal/ratelimit"
)

// ProtocolVersion is the agentgate_version advertised by this implementation.
const ProtocolVersion = "1.0"

// Endpoint paths relative to the service base URL.
const (
	PathWellKnown    = "/.well-known/agentgate.json"
	PathDiscovery    = "/agentgate/discovery"
	PathRegister     = "/register"
	PathVerify       = "/register/verify"
	PathAuth         = "/auth"
	PathHealth       = "/health"
	PathDocs         = "/docs"
	PathAgentProfile = "/agent/me"
)

// Document is the discovery document.
type Document struct {
	AgentGateVersion     string            `json:"agentgate_version"`
	ServiceName          string            `json:"service_name"`
	ServiceDescription   string            `json:"service_description,omitempty"`
	RegistrationEndpoint string            `json:"registration_endpoint"`
	VerifyEndpoint       string            `json:"verify_endpoint"`
	AuthEndpoint         string            `json:"auth_endpoint"`
	ScopesAvailable      []Scope           `json:"scopes_available"`
	AuthMethods          []string          `json:"auth_methods"`
	SignatureAlgorithms  []string          `json:"signature_algorithms"`
	RateLimits           RateLimits        `json:"rate_limits"`
	CompanionProtocols   map[string]string `json:"companion_protocols,omitempty"`
	Payment              *Payment          `json:"payment,omitempty"`
	DocsURL              string            `json:"docs_url,omitempty"`
	SupportEmail         string            `json:"support_email,omitempty"`
}

// Scope is a catalogue entry as published.
type Scope struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Price       string     `json:"price,omitempty"`
	RateLimit   *RateLimit `json:"rate_limit,omitempty"`
}

// RateLimit is a published request allowance.
type RateLimit struct {
	Requests int    `json:"requests"`
	Window   string `json:"window"`
}

// RateLimits are the global allowances.
type RateLimits struct {
	Registration RateLimit `json:"registration"`
	Default      RateLimit `json:"default"`
}

// Payment describes the x402 integration.
type Payment struct {
	Protocol    string   `json:"protocol"`
	Version     string   `json:"version,omitempty"`
	Networks    []string `json:"networks,omitempty"`
	Currency    string   `json:"currency"`
	Facilitator string   `json:"facilitator,omitempty"`
	Deferred    bool     `json:"deferred"`
}

// Build produces the discovery document for cfg.
func Build(cfg *config.Resolved) *Document {
	base := strings.TrimRight(cfg.Server.BaseURL, "/")

	doc := &Document{
		AgentGateVersion:     ProtocolVersion,
		ServiceName:          cfg.Service.Name,
		ServiceDescription:   cfg.Service.Description,
		RegistrationEndpoint: base + PathRegister,
		VerifyEndpoint:       base + PathVerify,
		AuthEndpoint:         base + PathAuth,
		ScopesAvailable:      make([]Scope, 0, len(cfg.Scopes)),
		AuthMethods:          []string{string(cfg.Auth.Credential)},
		RateLimits: RateLimits{
			Registration: publishLimit(cfg.RegistrationLimit),
			Default:      publishLimit(cfg.DefaultLimit),
		},
		CompanionProtocols: cfg.CompanionProtocols,
		DocsURL:            cfg.Service.DocsURL,
		SupportEmail:       cfg.Service.SupportEmail,
	}
	if doc.DocsURL == "" && cfg.Service.DocsMarkdown != "" {
		doc.DocsURL = base + PathDocs
	}

	for _, alg := range cfg.Auth.Algorithms {
		doc.SignatureAlgorithms = append(doc.SignatureAlgorithms, string(alg))
	}

	for _, s := range cfg.Scopes {
		scope := Scope{ID: s.ID, Description: s.Description}
		if s.Price != nil {
			scope.Price = s.Price.String()
		}
		if s.RateLimit != nil {
			rl := publishLimit(*s.RateLimit)
			scope.RateLimit = &rl
		}
		doc.ScopesAvailable = append(doc.ScopesAvailable, scope)
	}

	if p := cfg.Payment; p != nil {
		doc.Payment = &Payment{
			Protocol:    p.Protocol,
			Version:     p.Version,
			Networks:    p.Networks,
			Currency:    cfg.Currency,
			Facilitator: p.Facilitator,
			Deferred:    p.Deferred,
		}
	}
	return doc
}

func publishLimit(l ratelimit.Limit) RateLimit {
	return RateLimit{Requests: l.Requests, Window: formatWindow(l.Window)}
}

// formatWindow renders d in the largest whole unit of d, h, m or s.
func formatWindow(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	}
	return d.String()
}
