// ABOUTME: Random API key generation and SHA-256 hashing
// ABOUTME: Raw keys are returned once; only hashes are persisted

package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DefaultAPIKeyPrefix marks a bearer credential as an API key.
const DefaultAPIKeyPrefix = "agk_"

// JWTPrefix is the base64url encoding of `{"`, the start of every JWT header.
const JWTPrefix = "eyJ"

// GenerateAPIKey returns a new key of the form <prefix><43 base64url chars>.
func GenerateAPIKey(prefix string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the hex SHA-256 of key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// LooksLikeJWT reports whether credential has the JWT header prefix.
func LooksLikeJWT(credential string) bool {
	return strings.HasPrefix(credential, JWTPrefix) && strings.Count(credential, ".") == 2
}
