package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"salsa.debian.org/vasudev/gospake2"
)

const (
	// Identity strings for SPAKE2 asymmetric mode
	dialerIdentity   = "ixnay-dialer"
	listenerIdentity = "ixnay-listener"

	pakeKeyContext = "ixnay-invite-v1"
)

// ErrPakeMismatch is returned when key confirmation fails, which means the
// two sides did not hold the same invite secret.
var ErrPakeMismatch = errors.New("invite secret mismatch")

// PAKE wraps one side of a SPAKE2 exchange keyed by an invite secret.
type PAKE struct {
	spake  *gospake2.SPAKE2
	dialer bool
	key    []byte
}

// NewDialerPAKE creates the exchange for the side redeeming an invite.
func NewDialerPAKE(secret string) *PAKE {
	s := gospake2.SPAKE2A(gospake2.NewPassword(secret),
		gospake2.NewIdentityA(dialerIdentity), gospake2.NewIdentityB(listenerIdentity))
	return &PAKE{spake: &s, dialer: true}
}

// NewListenerPAKE creates the exchange for the side that issued the invite.
func NewListenerPAKE(secret string) *PAKE {
	s := gospake2.SPAKE2B(gospake2.NewPassword(secret),
		gospake2.NewIdentityA(dialerIdentity), gospake2.NewIdentityB(listenerIdentity))
	return &PAKE{spake: &s}
}

// Start returns the first message to send to the peer
func (p *PAKE) Start() []byte {
	return p.spake.Start()
}

// Finish processes the peer's message and derives the session key.
func (p *PAKE) Finish(peerMessage []byte) error {
	shared, err := p.spake.Finish(peerMessage)
	if err != nil {
		return fmt.Errorf("SPAKE2 finish: %w", err)
	}
	h := sha256.New()
	h.Write(shared)
	h.Write([]byte(pakeKeyContext))
	p.key = h.Sum(nil)
	return nil
}

// Confirm returns this side's key confirmation MAC. The MAC binds both
// identity keys so a confirmation cannot be replayed on another link.
func (p *PAKE) Confirm(dialerPub, listenerPub []byte) []byte {
	return p.mac(p.dialer, dialerPub, listenerPub)
}

// Check verifies the peer's key confirmation MAC.
func (p *PAKE) Check(mac, dialerPub, listenerPub []byte) error {
	if !hmac.Equal(mac, p.mac(!p.dialer, dialerPub, listenerPub)) {
		return ErrPakeMismatch
	}
	return nil
}

func (p *PAKE) mac(fromDialer bool, dialerPub, listenerPub []byte) []byte {
	role := listenerIdentity
	if fromDialer {
		role = dialerIdentity
	}
	m := hmac.New(sha256.New, p.key)
	m.Write([]byte(role))
	m.Write(dialerPub)
	m.Write(listenerPub)
	return m.Sum(nil)
}
