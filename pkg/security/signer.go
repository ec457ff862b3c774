package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/arcuru/eidetica/pkg/eerr"
)

// Signer produces and verifies base64-encoded Ed25519 signatures over a
// digest. The zero value is ready to use.
type Signer struct{}

// Generate creates a new Ed25519 keypair.
func Generate() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("security: generate keypair: %w", err)
	}
	return priv, pub, nil
}

// Sign signs digest with sk, returning a base64-encoded Ed25519 signature.
func (Signer) Sign(digest []byte, sk ed25519.PrivateKey) (string, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return "", eerr.New(eerr.KindInvalidKeyFormat, fmt.Sprintf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(sk)))
	}
	sig := ed25519.Sign(sk, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether sigB64 is a valid Ed25519 signature of digest
// under pk.
func (Signer) Verify(digest []byte, sigB64 string, pk ed25519.PublicKey) (bool, error) {
	if len(pk) != ed25519.PublicKeySize {
		return false, eerr.New(eerr.KindInvalidKeyFormat, fmt.Sprintf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pk)))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, eerr.Wrap(eerr.KindInvalidKeyFormat, "decode signature", err)
	}
	return ed25519.Verify(pk, digest, sig), nil
}

// DecodePublicKey parses a base64-encoded Ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, eerr.Wrap(eerr.KindInvalidKeyFormat, "decode public key", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, eerr.New(eerr.KindInvalidKeyFormat, fmt.Sprintf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b)))
	}
	return ed25519.PublicKey(b), nil
}

// EncodePublicKey base64-encodes an Ed25519 public key.
func EncodePublicKey(pk ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pk)
}
