package crypto

import (
	"crypto/ed25519"
)

// Signer produces signatures that Verify accepts against PublicKey.
type Signer interface {
	// Sign produces a signature for the given message
	Sign(message []byte) ([]byte, error)

	// PublicKey returns the public key bytes
	PublicKey() []byte
}

// Verify checks an Ed25519 signature, rejecting malformed keys and
// signatures instead of panicking.
func Verify(pubkey, message, signature []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubkey, message, signature)
}

// Ed25519Signer is a Signer over a bare private key. Tests and tools use it
// where a full Identity is not needed.
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewEd25519Signer creates a new Ed25519Signer from a private key
func NewEd25519Signer(privateKey ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}
}

// Sign produces an Ed25519 signature for the given message
func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	if s.privateKey == nil {
		return nil, ErrKeyDestroyed
	}
	return ed25519.Sign(s.privateKey, message), nil
}

// PublicKey returns the public key bytes
func (s *Ed25519Signer) PublicKey() []byte {
	return []byte(s.publicKey)
}

var (
	_ Signer = (*Identity)(nil)
	_ Signer = (*Ed25519Signer)(nil)
)
