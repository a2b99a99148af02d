package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"
)

// ErrKeyDestroyed is returned when signing with an identity whose key
// material has been wiped.
var ErrKeyDestroyed = errors.New("identity key material destroyed")

// ErrBadPassphrase is returned when an identity file cannot be decrypted.
var ErrBadPassphrase = errors.New("invalid passphrase or corrupted file")

// Identity is a durable ed25519 keypair. The private half lives in a
// ProtectedBuffer so it can be wiped on logout.
type Identity struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	signingKey *ProtectedBuffer
	verifyKey  ed25519.PublicKey
}

// PublicIdentity contains only the public parts of an identity
type PublicIdentity struct {
	Name       string    `json:"name"`
	SigningPub []byte    `json:"signing_pub"`
	CreatedAt  time.Time `json:"created_at"`
}

// Argon2 parameters for key derivation
// OWASP recommends: 19 MiB memory, 2 iterations minimum
const (
	argon2Time    = 4
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

const identityFileVersion = 1

type identityFile struct {
	Version       uint8  `json:"version"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
	Argon2Time    uint32 `json:"argon2_time"`
	Argon2Memory  uint32 `json:"argon2_memory"`
	Argon2Threads uint8  `json:"argon2_threads"`
}

type identityPlaintext struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Seed      []byte    `json:"seed"`
}

// GenerateIdentity creates a new cryptographic identity
func GenerateIdentity(name string) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	defer ZeroBytes(seed)

	return newIdentity(seed, name, time.Now().UTC()), nil
}

func newIdentity(seed []byte, name string, createdAt time.Time) *Identity {
	priv := ed25519.NewKeyFromSeed(seed)
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.SeedSize:])

	return &Identity{
		Name:       name,
		CreatedAt:  createdAt,
		signingKey: NewProtectedBufferFromBytes(priv),
		verifyKey:  pub,
	}
}

// SigningPublicKey returns the Ed25519 public key bytes
func (id *Identity) SigningPublicKey() []byte {
	return []byte(id.verifyKey)
}

// NamespaceKey returns the public key in the form used for namespace roots.
func (id *Identity) NamespaceKey() string {
	return EncodePublicKey(id.verifyKey)
}

// privateKey returns the live private key or nil once destroyed.
func (id *Identity) privateKey() ed25519.PrivateKey {
	if id.signingKey == nil {
		return nil
	}
	b := id.signingKey.Bytes()
	if len(b) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.PrivateKey(b)
}

// Sign signs a message using Ed25519
func (id *Identity) Sign(message []byte) ([]byte, error) {
	priv := id.privateKey()
	if priv == nil {
		return nil, ErrKeyDestroyed
	}
	return ed25519.Sign(priv, message), nil
}

// Verify verifies a signature against this identity's public key
func (id *Identity) Verify(message, signature []byte) bool {
	return Verify(id.verifyKey, message, signature)
}

// PublicKey returns the public key bytes. Implements Signer.
func (id *Identity) PublicKey() []byte {
	return id.SigningPublicKey()
}

// Destroyed reports whether Destroy has been called.
func (id *Identity) Destroyed() bool {
	return id.privateKey() == nil
}

// Destroy zeroes the private key. The identity can still verify.
func (id *Identity) Destroy() {
	if id.signingKey != nil {
		id.signingKey.Destroy()
	}
}

// Public returns the public identity
func (id *Identity) Public() *PublicIdentity {
	return &PublicIdentity{
		Name:       id.Name,
		SigningPub: id.SigningPublicKey(),
		CreatedAt:  id.CreatedAt,
	}
}

// Fingerprint returns a short fingerprint of the identity's signing key
func (id *Identity) Fingerprint() string {
	return PublicKeyFingerprint(id.verifyKey)
}

// SaveEncrypted saves the identity encrypted with a passphrase.
func (id *Identity) SaveEncrypted(path string, passphrase []byte) error {
	priv := id.privateKey()
	if priv == nil {
		return ErrKeyDestroyed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer ZeroBytes(key)

	plaintextJSON, err := json.Marshal(identityPlaintext{
		Name:      id.Name,
		CreatedAt: id.CreatedAt,
		Seed:      priv.Seed(),
	})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	defer ZeroBytes(plaintextJSON)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	file := identityFile{
		Version:       identityFileVersion,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    gcm.Seal(nil, nonce, plaintextJSON, nil),
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
	}

	fileJSON, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal file: %w", err)
	}

	if err := os.WriteFile(path, fileJSON, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}

// LoadEncrypted loads an identity from an encrypted file
func LoadEncrypted(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse file: %w", err)
	}

	if file.Version != identityFileVersion {
		return nil, fmt.Errorf("unsupported identity file version: %d", file.Version)
	}

	key := argon2.IDKey(passphrase, file.Salt, file.Argon2Time, file.Argon2Memory, file.Argon2Threads, argon2KeyLen)
	defer ZeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintextJSON, err := gcm.Open(nil, file.Nonce, file.Ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	defer ZeroBytes(plaintextJSON)

	var plaintext identityPlaintext
	if err := json.Unmarshal(plaintextJSON, &plaintext); err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	defer ZeroBytes(plaintext.Seed)

	if len(plaintext.Seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d", len(plaintext.Seed))
	}

	return newIdentity(plaintext.Seed, plaintext.Name, plaintext.CreatedAt), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// SavePublic saves the public identity to a file.
func (id *Identity) SavePublic(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := json.MarshalIndent(id.Public(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal public identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}

// LoadPublic loads a public identity from a file
func LoadPublic(path string) (*PublicIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var pub PublicIdentity
	if err := json.Unmarshal(data, &pub); err != nil {
		return nil, fmt.Errorf("parse public identity: %w", err)
	}

	return &pub, nil
}

// Fingerprint returns a fingerprint of the signing public key
func (pub *PublicIdentity) Fingerprint() string {
	return PublicKeyFingerprint(pub.SigningPub)
}

// PublicKeyFingerprint returns a fingerprint for a public key
func PublicKeyFingerprint(pubKey []byte) string {
	hash := sha256.Sum256(pubKey)
	return fmt.Sprintf("%x", hash[:8])
}

// EncodePublicKey renders a public key as unpadded base64url.
func EncodePublicKey(pub []byte) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodePublicKey parses the output of EncodePublicKey.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ToEntropy returns the 32-byte Ed25519 seed for mnemonic encoding.
func (id *Identity) ToEntropy() ([]byte, error) {
	priv := id.privateKey()
	if priv == nil {
		return nil, ErrKeyDestroyed
	}
	return priv.Seed(), nil
}

// IdentityFromEntropy reconstructs an identity from a 32-byte Ed25519 seed.
// Name is not part of the entropy and must be supplied.
func IdentityFromEntropy(entropy []byte, name string) (*Identity, error) {
	if len(entropy) != ed25519.SeedSize {
		return nil, fmt.Errorf("entropy must be %d bytes, got %d", ed25519.SeedSize, len(entropy))
	}
	return newIdentity(entropy, name, time.Now().UTC()), nil
}
