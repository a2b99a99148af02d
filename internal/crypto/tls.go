package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// TLSConfig holds the link certificate derived from an identity.
type TLSConfig struct {
	Certificate tls.Certificate
	Fingerprint string
}

// GenerateTLSConfig creates a self-signed certificate over the identity's
// signing key. Peers are authenticated by fingerprint, not by CA chain.
func GenerateTLSConfig(identity *Identity) (*TLSConfig, error) {
	priv := identity.privateKey()
	if priv == nil {
		return nil, ErrKeyDestroyed
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   identity.Fingerprint(),
			Organization: []string{"ixnay"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4zero, net.IPv6zero},
		DNSNames:              []string{"localhost", "*"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, identity.verifyKey, priv)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	keyCopy := make(ed25519.PrivateKey, len(priv))
	copy(keyCopy, priv)

	return &TLSConfig{
		Certificate: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  keyCopy,
		},
		Fingerprint: identity.Fingerprint(),
	}, nil
}

// NewServerTLSConfig requires a client certificate; the caller checks the
// fingerprint after the handshake.
func (tc *TLSConfig) NewServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{tc.Certificate},
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
	}
}

// NewClientTLSConfig pins the server to expectedFingerprint. An empty
// fingerprint accepts any Ed25519 certificate; the handshake message then
// binds the key.
func (tc *TLSConfig) NewClientTLSConfig(expectedFingerprint string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{tc.Certificate},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if expectedFingerprint == "" {
				_, err := ExtractPublicKeyFromCert(rawCerts)
				return err
			}
			return VerifyPeerCertificate(rawCerts, expectedFingerprint)
		},
	}
}

// VerifyPeerCertificate checks the leaf certificate key against a fingerprint.
func VerifyPeerCertificate(rawCerts [][]byte, expectedFingerprint string) error {
	pubKey, err := ExtractPublicKeyFromCert(rawCerts)
	if err != nil {
		return err
	}

	fingerprint := PublicKeyFingerprint(pubKey)
	if fingerprint != expectedFingerprint {
		return fmt.Errorf("peer fingerprint mismatch: got %s, expected %s", fingerprint, expectedFingerprint)
	}
	return nil
}

// ExtractPublicKeyFromCert extracts the Ed25519 public key from a peer's certificate.
func ExtractPublicKeyFromCert(rawCerts [][]byte) (ed25519.PublicKey, error) {
	if len(rawCerts) == 0 {
		return nil, errors.New("no peer certificate provided")
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("parse peer certificate: %w", err)
	}

	pubKey, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("peer certificate does not contain Ed25519 key")
	}

	return pubKey, nil
}

// PeerPublicKey returns the key presented by the remote end of a TLS connection.
func PeerPublicKey(state tls.ConnectionState) (ed25519.PublicKey, error) {
	raw := make([][]byte, len(state.PeerCertificates))
	for i, cert := range state.PeerCertificates {
		raw[i] = cert.Raw
	}
	return ExtractPublicKeyFromCert(raw)
}
