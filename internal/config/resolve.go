// ABOUTME: Resolves raw configuration into the canonical form components consume
// ABOUTME: Applies defaults, parses durations and amounts, and collects every problem

package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/ratelimit"
	"github.com/2389/agentgate/internal/reputation"
	"github.com/2389/agentgate/internal/sigverify"
	"github.com/2389/agentgate/internal/spending"
	"github.com/2389/agentgate/internal/store"
	"github.com/2389/agentgate/internal/token"
	"github.com/2389/agentgate/internal/webhook"
)

// Credential selects what /register/verify hands back.
type Credential string

const (
	CredentialJWT    Credential = "jwt"
	CredentialAPIKey Credential = "api_key"
)

// Defaults applied by Resolve.
const (
	DefaultIssuer         = "agentgate"
	DefaultTokenExpiresIn = "1h"
	DefaultCurrency       = "USDC"
	DefaultMetricsPath    = "/metrics"
	MinJWTSecretLength    = 32
)

var (
	DefaultRegistrationLimit = ratelimit.Limit{Requests: 10, Window: time.Minute}
	DefaultRequestLimit      = ratelimit.Limit{Requests: 100, Window: time.Minute}
)

// Scope is a catalogue entry.
type Scope struct {
	ID          string
	Description string
	// Price is charged per request against the spending caps when set.
	Price     *decimal.Decimal
	RateLimit *ratelimit.Limit
}

// AuthSettings is the resolved auth section.
type AuthSettings struct {
	JWTSecret      []byte
	Issuer         string
	TokenExpiresIn string
	TokenTTL       time.Duration
	Credential     Credential
	APIKeyPrefix   string
	Algorithms     []sigverify.Algorithm
}

// RegistrationSettings is the resolved registration section.
type RegistrationSettings struct {
	ChallengeTTL  time.Duration
	DefaultStatus store.AgentStatus
	DefaultScopes []string
}

// ReputationSettings is the resolved reputation section.
type ReputationSettings struct {
	Bounds           reputation.Bounds
	Gates            []reputation.Gate
	RateLimitPenalty int
}

// SpendingSettings is the resolved spending section.
type SpendingSettings struct {
	Location *time.Location
	Caps     []spending.Cap
}

// WebhookSettings is the resolved webhooks section. Options carries no
// publisher; the gateway attaches one when NATSURL is set.
type WebhookSettings struct {
	Options       webhook.Options
	NATSURL       string
	SubjectPrefix string
}

// Resolved is the canonical configuration. Every component is built from it.
type Resolved struct {
	Server    ServerConfig
	Tailscale TailscaleConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	Service   ServiceConfig

	Auth         AuthSettings
	Registration RegistrationSettings

	// Scopes keeps the configured order.
	Scopes     []Scope
	scopeIndex map[string]int

	RegistrationLimit ratelimit.Limit
	DefaultLimit      ratelimit.Limit

	Reputation ReputationSettings
	Spending   SpendingSettings

	// Currency is the currency scope prices are charged in.
	Currency           string
	Payment            *PaymentConfig
	CompanionProtocols map[string]string

	Webhooks WebhookSettings
}

// Scope looks up a catalogue entry.
func (r *Resolved) Scope(id string) (Scope, bool) {
	i, ok := r.scopeIndex[id]
	if !ok {
		return Scope{}, false
	}
	return r.Scopes[i], true
}

// ScopeIDs returns the catalogue ids in configured order.
func (r *Resolved) ScopeIDs() []string {
	ids := make([]string, len(r.Scopes))
	for i, s := range r.Scopes {
		ids[i] = s.ID
	}
	return ids
}

// LimitFor returns the rate limit for a scope, falling back to the default.
func (r *Resolved) LimitFor(scope string) ratelimit.Limit {
	if s, ok := r.Scope(scope); ok && s.RateLimit != nil {
		return *s.RateLimit
	}
	return r.DefaultLimit
}

// AlgorithmAllowed reports whether agents may register keys of alg.
func (r *Resolved) AlgorithmAllowed(alg sigverify.Algorithm) bool {
	return slices.Contains(r.Auth.Algorithms, alg)
}

// problems accumulates every validation failure so operators see them all at once.
type problems []string

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

// Resolve validates cfg and produces the canonical configuration. All
// problems are reported together as a single KindInvalidConfig error whose
// "problems" detail lists each one.
func Resolve(cfg *Config) (*Resolved, error) {
	var errs problems
	r := &Resolved{
		Server:             cfg.Server,
		Tailscale:          cfg.Tailscale,
		Database:           cfg.Database,
		Logging:            cfg.Logging,
		Metrics:            cfg.Metrics,
		Service:            cfg.Service,
		Payment:            cfg.Payment,
		CompanionProtocols: cfg.CompanionProtocols,
	}

	if err := cfg.Validate(); err != nil {
		errs.addf("%s", err)
	}

	resolveDatabase(r)
	if r.Metrics.Path == "" {
		r.Metrics.Path = DefaultMetricsPath
	}
	r.Auth = resolveAuth(cfg.Auth, &errs)
	r.Scopes, r.scopeIndex = resolveScopes(cfg.Scopes, &errs)
	r.Registration = resolveRegistration(cfg.Registration, r.scopeIndex, &errs)
	r.RegistrationLimit = resolveLimit("rate_limits.registration", cfg.RateLimits.Registration, DefaultRegistrationLimit, &errs)
	r.DefaultLimit = resolveLimit("rate_limits.default", cfg.RateLimits.Default, DefaultRequestLimit, &errs)
	r.Reputation = resolveReputation(cfg.Reputation, &errs)
	r.Spending = resolveSpending(cfg.Spending, &errs)
	r.Webhooks = resolveWebhooks(cfg.Webhooks, &errs)

	r.Currency = DefaultCurrency
	if cfg.Payment != nil && cfg.Payment.Currency != "" {
		r.Currency = strings.ToUpper(cfg.Payment.Currency)
	}

	if len(errs) > 0 {
		return nil, apierr.New(apierr.KindInvalidConfig, "invalid configuration: "+strings.Join(errs, "; ")).
			WithDetail("problems", []string(errs))
	}
	return r, nil
}

func resolveDatabase(r *Resolved) {
	if r.Database.Driver == "" {
		if r.Database.Path != "" {
			r.Database.Driver = "sqlite"
		} else {
			r.Database.Driver = "memory"
		}
	}
}

func resolveAuth(raw AuthConfig, errs *problems) AuthSettings {
	a := AuthSettings{
		JWTSecret:      []byte(raw.JWTSecret),
		Issuer:         raw.Issuer,
		TokenExpiresIn: raw.TokenExpiresIn,
		Credential:     Credential(strings.ToLower(raw.Credential)),
		APIKeyPrefix:   raw.APIKeyPrefix,
	}
	if raw.JWTSecret != "" && len(raw.JWTSecret) < MinJWTSecretLength {
		errs.addf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}
	if a.Issuer == "" {
		a.Issuer = DefaultIssuer
	}
	if a.TokenExpiresIn == "" {
		a.TokenExpiresIn = DefaultTokenExpiresIn
	}
	ttl, err := token.ParseExpiresIn(a.TokenExpiresIn)
	if err != nil {
		errs.addf("auth.token_expires_in: %q must match <number><s|m|h|d>", a.TokenExpiresIn)
	}
	a.TokenTTL = ttl

	switch a.Credential {
	case "":
		a.Credential = CredentialJWT
	case CredentialJWT, CredentialAPIKey:
	default:
		errs.addf("auth.credential: unknown credential %q (want jwt or api_key)", raw.Credential)
	}
	if a.APIKeyPrefix == "" {
		a.APIKeyPrefix = token.DefaultAPIKeyPrefix
	}
	if strings.HasPrefix(a.APIKeyPrefix, token.JWTPrefix) {
		errs.addf("auth.api_key_prefix must not start with %q", token.JWTPrefix)
	}

	algs := raw.SignatureAlgorithms
	if len(algs) == 0 {
		algs = []string{string(sigverify.Ed25519)}
	}
	for _, name := range algs {
		alg, err := sigverify.ParseAlgorithm(name)
		if err != nil {
			errs.addf("auth.signature_algorithms: %s", err)
			continue
		}
		if !slices.Contains(a.Algorithms, alg) {
			a.Algorithms = append(a.Algorithms, alg)
		}
	}
	return a
}

func resolveScopes(raw []ScopeConfig, errs *problems) ([]Scope, map[string]int) {
	scopes := make([]Scope, 0, len(raw))
	index := make(map[string]int, len(raw))
	for i, sc := range raw {
		field := fmt.Sprintf("scopes[%d]", i)
		if sc.ID == "" {
			errs.addf("%s.id is required", field)
			continue
		}
		if _, dup := index[sc.ID]; dup {
			errs.addf("%s.id: duplicate scope %q", field, sc.ID)
			continue
		}
		s := Scope{ID: sc.ID, Description: sc.Description}
		if sc.Price != "" {
			price, err := decimal.NewFromString(sc.Price)
			if err != nil || price.IsNegative() {
				errs.addf("%s.price: %q is not a non-negative amount", field, sc.Price)
			} else {
				s.Price = &price
			}
		}
		if sc.RateLimit != nil {
			l := resolveLimit(field+".rate_limit", sc.RateLimit, ratelimit.Limit{}, errs)
			s.RateLimit = &l
		}
		index[sc.ID] = len(scopes)
		scopes = append(scopes, s)
	}
	if len(scopes) == 0 {
		errs.addf("scopes: at least one scope is required")
	}
	return scopes, index
}

func resolveRegistration(raw RegistrationConfig, scopeIndex map[string]int, errs *problems) RegistrationSettings {
	reg := RegistrationSettings{
		DefaultStatus: store.AgentStatus(strings.ToLower(raw.DefaultStatus)),
		DefaultScopes: raw.DefaultScopes,
	}
	reg.ChallengeTTL = parseDuration("registration.challenge_ttl", raw.ChallengeTTL, 5*time.Minute, errs)

	switch reg.DefaultStatus {
	case "":
		reg.DefaultStatus = store.AgentStatusActive
	case store.AgentStatusActive, store.AgentStatusPending:
	default:
		errs.addf("registration.default_status: %q must be active or pending", raw.DefaultStatus)
	}
	for _, id := range reg.DefaultScopes {
		if _, ok := scopeIndex[id]; !ok {
			errs.addf("registration.default_scopes: unknown scope %q", id)
		}
	}
	return reg
}

func resolveLimit(field string, raw *RateLimitConfig, def ratelimit.Limit, errs *problems) ratelimit.Limit {
	if raw == nil {
		return def
	}
	if raw.Requests <= 0 {
		errs.addf("%s.requests must be positive", field)
	}
	window := parseDuration(field+".window", raw.Window, 0, errs)
	if raw.Window == "" {
		errs.addf("%s.window is required", field)
	}
	return ratelimit.Limit{Requests: raw.Requests, Window: window}
}

func resolveReputation(raw ReputationConfig, errs *problems) ReputationSettings {
	b := reputation.DefaultBounds
	if raw.Min != nil {
		b.Min = *raw.Min
	}
	if raw.Max != nil {
		b.Max = *raw.Max
	}
	if raw.Initial != nil {
		b.Initial = *raw.Initial
	} else {
		b.Initial = b.Min + (b.Max-b.Min)/2
	}
	if b.Min >= b.Max {
		errs.addf("reputation: min (%d) must be below max (%d)", b.Min, b.Max)
	}
	if b.Initial < b.Min || b.Initial > b.Max {
		errs.addf("reputation.initial (%d) must be within [%d, %d]", b.Initial, b.Min, b.Max)
	}
	if raw.RateLimitPenalty < 0 {
		errs.addf("reputation.rate_limit_penalty must not be negative")
	}

	gates := make([]reputation.Gate, 0, len(raw.Gates))
	for i, g := range raw.Gates {
		gate := reputation.Gate{
			MinReputation:  g.MinReputation,
			Action:         reputation.Action(strings.ToLower(g.Action)),
			ThrottleFactor: g.ThrottleFactor,
		}
		if !gate.Action.Valid() {
			errs.addf("reputation.gates[%d].action: unknown action %q", i, g.Action)
		}
		if gate.Action == reputation.ActionThrottle {
			if gate.ThrottleFactor == 0 {
				gate.ThrottleFactor = reputation.DefaultThrottleFactor
			}
			if gate.ThrottleFactor <= 0 || gate.ThrottleFactor >= 1 {
				errs.addf("reputation.gates[%d].throttle_factor must be in (0, 1)", i)
			}
		}
		gates = append(gates, gate)
	}
	return ReputationSettings{Bounds: b, Gates: gates, RateLimitPenalty: raw.RateLimitPenalty}
}

func resolveSpending(raw SpendingConfig, errs *problems) SpendingSettings {
	s := SpendingSettings{Location: time.UTC}
	if raw.Timezone != "" {
		loc, err := time.LoadLocation(raw.Timezone)
		if err != nil {
			errs.addf("spending.timezone: %s", err)
		} else {
			s.Location = loc
		}
	}
	for i, c := range raw.Caps {
		field := fmt.Sprintf("spending.caps[%d]", i)
		amount, err := decimal.NewFromString(c.Amount)
		if err != nil || !amount.IsPositive() {
			errs.addf("%s.amount: %q is not a positive amount", field, c.Amount)
		}
		period, err := spending.ParsePeriod(c.Period)
		if err != nil {
			errs.addf("%s.period: %s", field, err)
		}
		if c.Currency == "" {
			errs.addf("%s.currency is required", field)
		}
		typ := spending.CapType(strings.ToLower(c.Type))
		switch typ {
		case "":
			typ = spending.CapHard
		case spending.CapHard, spending.CapSoft:
		default:
			errs.addf("%s.type: %q must be hard or soft", field, c.Type)
		}
		s.Caps = append(s.Caps, spending.Cap{
			Amount:   amount,
			Currency: strings.ToUpper(c.Currency),
			Period:   period,
			Type:     typ,
		})
	}
	return s
}

func resolveWebhooks(raw WebhooksConfig, errs *problems) WebhookSettings {
	opts := webhook.Options{
		Secret:         raw.Secret,
		MaxAttempts:    raw.MaxAttempts,
		InitialBackoff: parseDuration("webhooks.initial_backoff", raw.InitialBackoff, 0, errs),
		MaxBackoff:     parseDuration("webhooks.max_backoff", raw.MaxBackoff, 0, errs),
		Timeout:        parseDuration("webhooks.timeout", raw.Timeout, 0, errs),
		Workers:        raw.Workers,
		QueueSize:      raw.QueueSize,
	}
	for i, ep := range raw.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		u, err := url.Parse(ep.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.addf("%s.url: %q is not an http(s) URL", field, ep.URL)
		}
		endpoint := webhook.Endpoint{URL: ep.URL, Secret: ep.Secret}
		for _, name := range ep.Events {
			et := webhook.EventType(name)
			if et != webhook.AllEvents && !webhook.IsKnown(et) {
				errs.addf("%s.events: unknown event %q", field, name)
				continue
			}
			endpoint.Events = append(endpoint.Events, et)
		}
		if endpoint.Secret == "" && raw.Secret == "" {
			errs.addf("%s: a secret is required (set webhooks.secret or the endpoint secret)", field)
		}
		opts.Endpoints = append(opts.Endpoints, endpoint)
	}
	return WebhookSettings{
		Options:       opts,
		NATSURL:       raw.NATS.URL,
		SubjectPrefix: raw.NATS.SubjectPrefix,
	}
}

// parseDuration accepts Go duration syntax and the day suffix used by token
// lifetimes ("7d"). Empty input yields def.
func parseDuration(field, raw string, def time.Duration, errs *problems) time.Duration {
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			errs.addf("%s: %q must be positive", field, raw)
		}
		return d
	}
	if d, err := token.ParseExpiresIn(raw); err == nil {
		return d
	}
	errs.addf("%s: invalid duration %q", field, raw)
	return def
}
