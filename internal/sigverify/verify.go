// ABOUTME: Signature verification for Ed25519 and secp256k1 wallet identities
// ABOUTME: Rejects any mismatch between declared algorithm and key format

package sigverify

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/sha3"
	"golang.org/x/crypto/ssh"
)

// Algorithm names a supported signature scheme.
type Algorithm string

const (
	Ed25519   Algorithm = "ed25519"
	Secp256k1 Algorithm = "secp256k1"
)

// ParseAlgorithm normalises an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ed25519":
		return Ed25519, nil
	case "secp256k1", "ethereum", "evm":
		return Secp256k1, nil
	}
	return "", fmt.Errorf("unsupported signature algorithm %q", s)
}

// CanonicalMessage returns the exact bytes an agent signs for a challenge.
func CanonicalMessage(nonce, publicKey string) string {
	return "agentgate:" + nonce + ":" + publicKey
}

// DetectAlgorithm infers the algorithm from the public key format.
// It returns false when the key matches no supported format.
func DetectAlgorithm(publicKey string) (Algorithm, bool) {
	if _, ok := parseWalletAddress(publicKey); ok {
		return Secp256k1, true
	}
	if _, ok := parseEd25519Key(publicKey); ok {
		return Ed25519, true
	}
	return "", false
}

// Fingerprint names the key behind publicKey independent of how it is
// encoded: the algorithm and the decoded key bytes in lowercase hex. Hex,
// base64 and OpenSSH forms of one Ed25519 key share a fingerprint, as do
// wallet addresses differing only in case.
func Fingerprint(publicKey string) (string, error) {
	if addr, ok := parseWalletAddress(publicKey); ok {
		return string(Secp256k1) + ":" + hex.EncodeToString(addr), nil
	}
	if pub, ok := parseEd25519Key(publicKey); ok {
		return string(Ed25519) + ":" + hex.EncodeToString(pub), nil
	}
	return "", errors.New("unsupported public key format")
}

// Verify reports whether signature is a valid signature by publicKey over
// CanonicalMessage(nonce, publicKey) under alg.
func Verify(publicKey, nonce, signature string, alg Algorithm) bool {
	msg := []byte(CanonicalMessage(nonce, publicKey))
	switch alg {
	case Ed25519:
		return verifyEd25519(publicKey, msg, signature)
	case Secp256k1:
		return verifyWallet(publicKey, msg, signature)
	}
	return false
}

func verifyEd25519(publicKey string, msg []byte, signature string) bool {
	pub, ok := parseEd25519Key(publicKey)
	if !ok {
		return false
	}
	sig, ok := decodeBytes(signature, ed25519.SignatureSize)
	if !ok {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

func verifyWallet(address string, msg []byte, signature string) bool {
	want, ok := parseWalletAddress(address)
	if !ok {
		return false
	}
	sig, ok := decodeBytes(strings.TrimPrefix(signature, "0x"), 65)
	if !ok {
		return false
	}

	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 || isZero(sig[:32]) || isZero(sig[32:64]) {
		return false
	}
	compact := make([]byte, 65)
	compact[0] = v + 27
	copy(compact[1:], sig[:64])

	pub, _, err := btcec.RecoverCompact(btcec.S256(), compact, personalHash(msg))
	if err != nil {
		return false
	}
	return bytes.Equal(addressOf(pub), want)
}

// personalHash is the EIP-191 personal_sign digest of msg.
func personalHash(msg []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d", len(msg))
	h.Write(msg)
	return h.Sum(nil)
}

func addressOf(pub *btcec.PublicKey) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return h.Sum(nil)[12:]
}

// WalletAddress formats the address for pub as 0x-prefixed lowercase hex.
func WalletAddress(pub *btcec.PublicKey) string {
	return "0x" + hex.EncodeToString(addressOf(pub))
}

// IsWalletAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsWalletAddress(s string) bool {
	_, ok := parseWalletAddress(s)
	return ok
}

func parseWalletAddress(s string) ([]byte, bool) {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return nil, false
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, false
	}
	return b, true
}

func parseEd25519Key(s string) (ed25519.PublicKey, bool) {
	if strings.HasPrefix(s, "ssh-ed25519 ") {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, false
		}
		cpk, ok := pk.(ssh.CryptoPublicKey)
		if !ok {
			return nil, false
		}
		edKey, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		return edKey, ok
	}
	b, ok := decodeBytes(s, ed25519.PublicKeySize)
	if !ok {
		return nil, false
	}
	return ed25519.PublicKey(b), true
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeBytes decodes hex or base64 input that must be exactly size bytes.
func decodeBytes(s string, size int) ([]byte, bool) {
	if len(s) == 2*size {
		if b, err := hex.DecodeString(s); err == nil {
			return b, true
		}
	}
	for _, enc := range base64Encodings {
		if b, err := enc.DecodeString(s); err == nil && len(b) == size {
			return b, true
		}
	}
	return nil, false
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
