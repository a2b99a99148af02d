package peer

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/protocol"
)

// MaxInviteTTL bounds how long an invite stays redeemable.
const MaxInviteTTL = 7 * 24 * time.Hour

// Invite is the decoded content of an invite token.
type Invite struct {
	ID        string    `json:"id"`
	Addr      string    `json:"addr"`
	Peer      string    `json:"peer"` // fingerprint of the inviter
	Name      string    `json:"name,omitempty"`
	PublicKey []byte    `json:"public_key"`
	Secret    string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasSecret reports whether redeeming the invite runs a PAKE exchange.
func (inv Invite) HasSecret() bool {
	return inv.Secret != ""
}

type inviteClaims struct {
	Addr string `json:"addr"`
	Peer string `json:"peer"`
	Pub  string `json:"pub"`
	Name string `json:"name,omitempty"`
	PSK  string `json:"psk,omitempty"`
	jwt.RegisteredClaims
}

// jwtSigner lets jwt's EdDSA method sign with an identity whose private key
// never leaves its protected buffer.
type jwtSigner struct {
	signer crypto.Signer
}

func (s jwtSigner) Public() stdcrypto.PublicKey {
	return ed25519.PublicKey(s.signer.PublicKey())
}

func (s jwtSigner) Sign(_ io.Reader, message []byte, _ stdcrypto.SignerOpts) ([]byte, error) {
	return s.signer.Sign(message)
}

func signInvite(signer crypto.Signer, claims *inviteClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(jwtSigner{signer})
	if err != nil {
		return "", fmt.Errorf("sign invite: %w", err)
	}
	return signed, nil
}

// ParseInvite verifies an invite token: EdDSA signature by the embedded
// key, fingerprint bound to that key, and expiry. Any failure wraps
// ErrInviteInvalid.
func ParseInvite(token string) (Invite, error) {
	return parseInvite(token, time.Now)
}

func parseInvite(token string, now func() time.Time) (Invite, error) {
	var claims inviteClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		pub, err := crypto.DecodePublicKey(claims.Pub)
		if err != nil {
			return nil, err
		}
		if crypto.PublicKeyFingerprint(pub) != claims.Peer {
			return nil, errors.New("fingerprint does not match key")
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return Invite{}, fmt.Errorf("%w: %v", ErrInviteInvalid, err)
	}
	if claims.Addr == "" || claims.ID == "" {
		return Invite{}, fmt.Errorf("%w: missing address or id", ErrInviteInvalid)
	}

	pub, _ := crypto.DecodePublicKey(claims.Pub)
	return Invite{
		ID:        claims.ID,
		Addr:      claims.Addr,
		Peer:      claims.Peer,
		Name:      claims.Name,
		PublicKey: pub,
		Secret:    claims.PSK,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func newInviteSecret() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate invite secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateInvite issues a signed token another replica can redeem with
// ConnectViaInvite. With withSecret the token carries a pre-shared secret
// and redemption must complete a SPAKE2 exchange with this manager.
func (m *Manager) CreateInvite(ttl time.Duration, withSecret bool) (Invite, string, error) {
	if ttl <= 0 || ttl > MaxInviteTTL {
		return Invite{}, "", fmt.Errorf("invite ttl must be in (0, %s]", MaxInviteTTL)
	}
	addr := m.AdvertiseAddr()
	if addr == "" {
		return Invite{}, "", errors.New("manager is not listening")
	}

	now := time.Now()
	inv := Invite{
		ID:        uuid.NewString(),
		Addr:      addr,
		Peer:      m.fingerprint,
		Name:      m.opts.Name,
		PublicKey: m.id.PublicKey(),
		ExpiresAt: now.Add(ttl).Truncate(time.Second),
	}
	if withSecret {
		secret, err := newInviteSecret()
		if err != nil {
			return Invite{}, "", err
		}
		inv.Secret = secret
	}

	token, err := signInvite(m.id, &inviteClaims{
		Addr: inv.Addr,
		Peer: inv.Peer,
		Pub:  crypto.EncodePublicKey(inv.PublicKey),
		Name: inv.Name,
		PSK:  inv.Secret,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        inv.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(inv.ExpiresAt),
		},
	})
	if err != nil {
		return Invite{}, "", err
	}

	m.mu.Lock()
	m.pruneInvitesLocked(now)
	m.invites[inv.ID] = inv
	m.mu.Unlock()

	m.logger.Info("invite created", "id", inv.ID, "expires", inv.ExpiresAt, "secret", withSecret)
	return inv, token, nil
}

// lookupInvite resolves an invite id for the handshake.
func (m *Manager) lookupInvite(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneInvitesLocked(time.Now())
	inv, ok := m.invites[id]
	if !ok {
		return "", false
	}
	return inv.Secret, true
}

// RevokeInvite stops an outstanding invite from being redeemed. Links
// already opened with it stay up.
func (m *Manager) RevokeInvite(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.invites[id]
	delete(m.invites, id)
	return ok
}

func (m *Manager) pruneInvitesLocked(now time.Time) {
	for id, inv := range m.invites {
		if now.After(inv.ExpiresAt) {
			delete(m.invites, id)
		}
	}
}

// ConnectViaInvite verifies token and opens a link to the inviter. The
// first dial is synchronous so a refused invite surfaces here; later
// reconnects happen in the background.
func (m *Manager) ConnectViaInvite(ctx context.Context, token string) (LinkInfo, error) {
	inv, err := ParseInvite(token)
	if err != nil {
		return LinkInfo{}, err
	}
	if inv.Peer == m.fingerprint || bytes.Equal(inv.PublicKey, m.id.PublicKey()) {
		return LinkInfo{}, fmt.Errorf("%w: invite was issued by this identity", ErrInviteInvalid)
	}
	if l := m.linkByPeer(inv.Peer); l != nil && l.active() {
		return l.Info(), nil
	}

	// the id goes out for every invite so the inviter can refuse revoked or
	// expired ones; only invites with a secret run the PAKE exchange
	conn, hs, err := m.dial(ctx, inv.Addr, inv.Peer, inv.ID, inv.Secret)
	if err != nil {
		if errors.Is(err, protocol.ErrPakeMismatch) || errors.Is(err, protocol.ErrUnknownInvite) {
			return LinkInfo{}, fmt.Errorf("%w: %w", ErrInviteInvalid, err)
		}
		return LinkInfo{}, err
	}

	name := hs.Name
	if name == "" {
		name = inv.Name
	}
	l, err := m.newLink(inv.Peer, name, inv.Addr, true, true)
	if err != nil {
		conn.Close()
		return LinkInfo{}, err
	}
	m.goLink(l, conn)
	return l.Info(), nil
}
