// Package config handles configuration loading for agentgate.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by extension) with
// environment variable expansion. Load returns the raw Config; Resolve turns it
// into the canonical Resolved form that every other package consumes.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENTGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agentgate/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${AGENTGATE_JWT_SECRET}"
//
// # Durations
//
// Durations accept Go syntax ("90s", "1h30m") and a day suffix ("7d").
// auth.token_expires_in is stricter and must match <number><s|m|h|d>.
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	service:
//	  name: "Weather API"
//	auth:
//	  jwt_secret: "${AGENTGATE_JWT_SECRET}"
//	  token_expires_in: "1h"
//	  signature_algorithms: ["ed25519", "secp256k1"]
//	scopes:
//	  - id: "weather:read"
//	    description: "Read forecasts"
//	    price: "0.01"
//	    rate_limit: { requests: 60, window: "1m" }
//	reputation:
//	  gates:
//	    - { min_reputation: 10, action: block }
//	    - { min_reputation: 30, action: throttle, throttle_factor: 0.5 }
//	spending:
//	  caps:
//	    - { amount: "10", currency: "USDC", period: daily, type: hard }
//
// # Validation
//
// Resolve reports every problem at once as an apierr.KindInvalidConfig error
// whose "problems" detail lists each failure.
package config
