// ABOUTME: Configuration loading and parsing for agentgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the raw configuration as written in the file. Resolve turns it
// into the canonical Resolved form every other component consumes.
type Config struct {
	Server             ServerConfig       `yaml:"server" toml:"server"`
	Tailscale          TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database           DatabaseConfig     `yaml:"database" toml:"database"`
	Logging            LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics            MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Service            ServiceConfig      `yaml:"service" toml:"service"`
	Auth               AuthConfig         `yaml:"auth" toml:"auth"`
	Registration       RegistrationConfig `yaml:"registration" toml:"registration"`
	Scopes             []ScopeConfig      `yaml:"scopes" toml:"scopes"`
	RateLimits         RateLimitsConfig   `yaml:"rate_limits" toml:"rate_limits"`
	Reputation         ReputationConfig   `yaml:"reputation" toml:"reputation"`
	Spending           SpendingConfig     `yaml:"spending" toml:"spending"`
	Payment            *PaymentConfig     `yaml:"payment" toml:"payment"`
	CompanionProtocols map[string]string  `yaml:"companion_protocols" toml:"companion_protocols"`
	Webhooks           WebhooksConfig     `yaml:"webhooks" toml:"webhooks"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr, when set, serves the gRPC health service behind the agent
	// auth interceptors.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	// BaseURL is the externally visible URL used in the discovery document.
	// Endpoints are published as relative paths when it is empty.
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig selects and configures the store
type DatabaseConfig struct {
	Driver            string `yaml:"driver" toml:"driver"` // "memory" or "sqlite"
	Path              string `yaml:"path" toml:"path"`
	ChallengeCapacity int    `yaml:"challenge_capacity" toml:"challenge_capacity"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// ServiceConfig describes the service in the discovery document
type ServiceConfig struct {
	Name         string `yaml:"name" toml:"name"`
	Description  string `yaml:"description" toml:"description"`
	DocsURL      string `yaml:"docs_url" toml:"docs_url"`
	DocsMarkdown string `yaml:"docs_markdown" toml:"docs_markdown"` // path to a markdown file served at /docs
	SupportEmail string `yaml:"support_email" toml:"support_email"`
}

// AuthConfig holds credential configuration
type AuthConfig struct {
	JWTSecret           string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer              string   `yaml:"issuer" toml:"issuer"`
	TokenExpiresIn      string   `yaml:"token_expires_in" toml:"token_expires_in"`
	Credential          string   `yaml:"credential" toml:"credential"` // "jwt" or "api_key"
	APIKeyPrefix        string   `yaml:"api_key_prefix" toml:"api_key_prefix"`
	SignatureAlgorithms []string `yaml:"signature_algorithms" toml:"signature_algorithms"`
}

// RegistrationConfig controls the registration handshake
type RegistrationConfig struct {
	ChallengeTTL  string   `yaml:"challenge_ttl" toml:"challenge_ttl"`
	DefaultStatus string   `yaml:"default_status" toml:"default_status"`
	DefaultScopes []string `yaml:"default_scopes" toml:"default_scopes"`
}

// ScopeConfig is one entry of the scope catalogue
type ScopeConfig struct {
	ID          string           `yaml:"id" toml:"id"`
	Description string           `yaml:"description" toml:"description"`
	Price       string           `yaml:"price" toml:"price"`
	RateLimit   *RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig is a raw request allowance
type RateLimitConfig struct {
	Requests int    `yaml:"requests" toml:"requests"`
	Window   string `yaml:"window" toml:"window"`
}

// RateLimitsConfig holds the global limits
type RateLimitsConfig struct {
	Registration *RateLimitConfig `yaml:"registration" toml:"registration"`
	Default      *RateLimitConfig `yaml:"default" toml:"default"`
}

// ReputationConfig holds the score range and gates
type ReputationConfig struct {
	Min              *int         `yaml:"min" toml:"min"`
	Max              *int         `yaml:"max" toml:"max"`
	Initial          *int         `yaml:"initial" toml:"initial"`
	RateLimitPenalty int          `yaml:"rate_limit_penalty" toml:"rate_limit_penalty"`
	Gates            []GateConfig `yaml:"gates" toml:"gates"`
}

// GateConfig is one reputation gate
type GateConfig struct {
	MinReputation  int     `yaml:"min_reputation" toml:"min_reputation"`
	Action         string  `yaml:"action" toml:"action"`
	ThrottleFactor float64 `yaml:"throttle_factor" toml:"throttle_factor"`
}

// SpendingConfig holds spending caps
type SpendingConfig struct {
	Timezone string      `yaml:"timezone" toml:"timezone"`
	Caps     []CapConfig `yaml:"caps" toml:"caps"`
}

// CapConfig is one spending cap
type CapConfig struct {
	Amount   string `yaml:"amount" toml:"amount"`
	Currency string `yaml:"currency" toml:"currency"`
	Period   string `yaml:"period" toml:"period"`
	Type     string `yaml:"type" toml:"type"`
}

// PaymentConfig describes the x402 payment integration advertised in discovery
type PaymentConfig struct {
	Protocol    string   `yaml:"protocol" toml:"protocol"`
	Version     string   `yaml:"version" toml:"version"`
	Networks    []string `yaml:"networks" toml:"networks"`
	Currency    string   `yaml:"currency" toml:"currency"`
	Facilitator string   `yaml:"facilitator" toml:"facilitator"`
	Deferred    bool     `yaml:"deferred" toml:"deferred"`
}

// WebhooksConfig configures lifecycle event delivery
type WebhooksConfig struct {
	Secret         string           `yaml:"secret" toml:"secret"`
	MaxAttempts    int              `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff string           `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     string           `yaml:"max_backoff" toml:"max_backoff"`
	Timeout        string           `yaml:"timeout" toml:"timeout"`
	Workers        int              `yaml:"workers" toml:"workers"`
	QueueSize      int              `yaml:"queue_size" toml:"queue_size"`
	Endpoints      []EndpointConfig `yaml:"endpoints" toml:"endpoints"`
	NATS           NATSConfig       `yaml:"nats" toml:"nats"`
}

// EndpointConfig is a webhook receiver
type EndpointConfig struct {
	URL    string   `yaml:"url" toml:"url"`
	Events []string `yaml:"events" toml:"events"`
	Secret string   `yaml:"secret" toml:"secret"`
}

// NATSConfig mirrors events onto NATS subjects when URL is set
type NATSConfig struct {
	URL           string `yaml:"url" toml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadResolved loads path and resolves it.
func LoadResolved(path string) (*Resolved, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Resolve(cfg)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks the fields without which nothing else can be resolved.
// Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}
