// ABOUTME: Signing capability used by agents to answer challenges
// ABOUTME: Ed25519 and secp256k1 wallet signers producing verifiable output

package sigverify

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/ssh"
)

// Signer produces signatures for an identity.
type Signer interface {
	// PublicKey is the identity string the gateway registers.
	PublicKey() string
	Algorithm() Algorithm
	// Sign returns the encoded signature over message.
	Sign(ctx context.Context, message []byte) (string, error)
}

// SignChallenge signs the canonical message for nonce with s.
func SignChallenge(ctx context.Context, s Signer, nonce string) (string, error) {
	return s.Sign(ctx, []byte(CanonicalMessage(nonce, s.PublicKey())))
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	priv      ed25519.PrivateKey
	publicKey string
}

// NewEd25519Signer wraps priv. The public key is published as base64.
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{priv: priv, publicKey: base64.StdEncoding.EncodeToString(pub)}
}

// NewEd25519SSHSigner wraps priv and publishes the key in OpenSSH authorized-key form.
func NewEd25519SSHSigner(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	sshPub, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	return &Ed25519Signer{priv: priv, publicKey: string(line[:len(line)-1])}, nil
}

// GenerateEd25519Signer creates a signer with a fresh key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return NewEd25519Signer(priv), nil
}

func (s *Ed25519Signer) PublicKey() string    { return s.publicKey }
func (s *Ed25519Signer) Algorithm() Algorithm { return Ed25519 }

// PrivateKey returns the underlying key.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey { return s.priv }

func (s *Ed25519Signer) Sign(_ context.Context, message []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, message)), nil
}

// WalletSigner produces EIP-191 personal_sign signatures with a secp256k1 key.
type WalletSigner struct {
	priv    *btcec.PrivateKey
	address string
}

// NewWalletSigner wraps a secp256k1 private key.
func NewWalletSigner(priv *btcec.PrivateKey) *WalletSigner {
	return &WalletSigner{priv: priv, address: WalletAddress(priv.PubKey())}
}

// GenerateWalletSigner creates a signer with a fresh key.
func GenerateWalletSigner() (*WalletSigner, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return NewWalletSigner(priv), nil
}

func (s *WalletSigner) PublicKey() string    { return s.address }
func (s *WalletSigner) Algorithm() Algorithm { return Secp256k1 }

// PrivateKeyHex returns the 32-byte private scalar as hex.
func (s *WalletSigner) PrivateKeyHex() string {
	return hex.EncodeToString(s.priv.Serialize())
}

// Sign returns 0x-prefixed hex of r || s || v with v in {27, 28}.
func (s *WalletSigner) Sign(_ context.Context, message []byte) (string, error) {
	compact, err := btcec.SignCompact(btcec.S256(), s.priv, personalHash(message), false)
	if err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig), nil
}
