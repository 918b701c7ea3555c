// ABOUTME: HS256 JWT issuance and verification for agent credentials
// ABOUTME: Pins algorithm and issuer; every failure becomes invalid_token

package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/agentgate/internal/apierr"
)

// ErrEmptySecret is returned when a Service is built without a signing secret.
var ErrEmptySecret = errors.New("jwt secret must not be empty")

// Identity is the agent projection embedded in a token.
type Identity struct {
	AgentID    string
	PublicKey  string
	Scopes     []string
	Metadata   map[string]string
	Reputation *int
}

// Claims is the JWT payload.
type Claims struct {
	AgentID    string            `json:"agent_id"`
	Scopes     []string          `json:"scopes"`
	PublicKey  string            `json:"public_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Reputation *int              `json:"reputation,omitempty"`
	jwt.RegisteredClaims
}

// Issued is a freshly signed token.
type Issued struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Verified is the result of a successful verification.
type Verified struct {
	Identity  Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Service signs and verifies agent JWTs.
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewService creates a token service. The issuer is written to and required
// in every token.
func NewService(secret []byte, issuer string) (*Service, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Service{secret: secret, issuer: issuer, now: time.Now}, nil
}

// SetClock replaces the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Issue signs a token for id that expires after expiresIn ("30s", "7d", ...).
func (s *Service) Issue(id Identity, expiresIn string) (*Issued, error) {
	now := s.now()
	expiresAt, err := ComputeExpirationDate(expiresIn, now)
	if err != nil {
		return nil, err
	}

	scopes := id.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	claims := Claims{
		AgentID:    id.AgentID,
		Scopes:     scopes,
		PublicKey:  id.PublicKey,
		Metadata:   id.Metadata,
		Reputation: id.Reputation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AgentID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return &Issued{
		Token:     signed,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks the signature, algorithm, issuer, expiry and required claims.
func (s *Service) Verify(tokenString string) (*Verified, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, invalid(err)
	}
	if !tok.Valid {
		return nil, invalid(nil)
	}

	switch {
	case claims.AgentID == "":
		return nil, invalid(nil).WithDetail("missing_claim", "agent_id")
	case claims.Scopes == nil:
		return nil, invalid(nil).WithDetail("missing_claim", "scopes")
	case claims.PublicKey == "":
		return nil, invalid(nil).WithDetail("missing_claim", "public_key")
	}

	v := &Verified{
		Identity: Identity{
			AgentID:    claims.AgentID,
			PublicKey:  claims.PublicKey,
			Scopes:     claims.Scopes,
			Metadata:   claims.Metadata,
			Reputation: claims.Reputation,
		},
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		v.IssuedAt = claims.IssuedAt.Time
	}
	return v, nil
}

func invalid(cause error) *apierr.Error {
	if cause == nil {
		return apierr.New(apierr.KindInvalidToken, "invalid token")
	}
	return apierr.Wrap(apierr.KindInvalidToken, "invalid token", cause)
}
