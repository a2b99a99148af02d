package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// HandshakeTimeout is the maximum time allowed for a handshake
const HandshakeTimeout = 30 * time.Second

// ErrUnknownInvite is returned by the listener when the dialer redeems an
// invite it never issued or that has expired.
var ErrUnknownInvite = errors.New("unknown invite")

// SecretLookup resolves an invite id to its pre-shared secret. ok is false
// for unknown or expired invites; an empty secret means no PAKE is needed.
type SecretLookup func(inviteID string) (secret string, ok bool)

// Compatible checks if this handshake is compatible with another
func (h *Handshake) Compatible(other *Handshake) error {
	if other == nil {
		return errors.New("nil handshake")
	}

	if !isVersionCompatible(h.Version, other.MinVersion) {
		return fmt.Errorf("our version %s is below their minimum %s", h.Version, other.MinVersion)
	}
	if !isVersionCompatible(other.Version, h.MinVersion) {
		return fmt.Errorf("their version %s is below our minimum %s", other.Version, h.MinVersion)
	}

	if len(other.Pubkey) == 0 {
		return errors.New("missing public key")
	}

	return nil
}

// DialHandshake runs the dialing side of the handshake. When secret is set
// the invite's SPAKE2 exchange and key confirmation run before it returns.
func DialHandshake(ctx context.Context, conn net.Conn, ours *Handshake, secret string) (*Handshake, error) {
	defer withDeadline(ctx, conn)()
	framer := NewFramer(conn, conn)

	var pake *PAKE
	if secret != "" {
		pake = NewDialerPAKE(secret)
		ours.PAKE = pake.Start()
	}

	if err := framer.Send(MsgHandshake, ours); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	theirs, err := readHandshake(framer)
	if err != nil {
		return nil, err
	}
	if err := ours.Compatible(theirs); err != nil {
		reject(framer, RejectCodeVersionMismatch, err)
		return nil, fmt.Errorf("incompatible: %w", err)
	}

	if pake == nil {
		return theirs, nil
	}
	if len(theirs.PAKE) == 0 {
		return nil, fmt.Errorf("%w: peer skipped key exchange", ErrPakeMismatch)
	}
	if err := pake.Finish(theirs.PAKE); err != nil {
		return nil, err
	}
	if err := framer.Send(MsgPakeConfirm, PakeConfirm{MAC: pake.Confirm(ours.Pubkey, theirs.Pubkey)}); err != nil {
		return nil, fmt.Errorf("send confirmation: %w", err)
	}
	confirm, err := readConfirm(framer)
	if err != nil {
		return nil, err
	}
	if err := pake.Check(confirm.MAC, ours.Pubkey, theirs.Pubkey); err != nil {
		return nil, err
	}
	return theirs, nil
}

// AcceptHandshake runs the listening side. The dialer speaks first so the
// listener can look up the secret of the invite being redeemed.
func AcceptHandshake(ctx context.Context, conn net.Conn, ours *Handshake, lookup SecretLookup) (*Handshake, error) {
	defer withDeadline(ctx, conn)()
	framer := NewFramer(conn, conn)

	theirs, err := readHandshake(framer)
	if err != nil {
		return nil, err
	}
	if err := ours.Compatible(theirs); err != nil {
		reject(framer, RejectCodeVersionMismatch, err)
		return nil, fmt.Errorf("incompatible: %w", err)
	}

	var secret string
	if theirs.InviteID != "" {
		var ok bool
		if lookup != nil {
			secret, ok = lookup(theirs.InviteID)
		}
		if !ok {
			reject(framer, RejectCodeInviteInvalid, ErrUnknownInvite)
			return nil, fmt.Errorf("%w: %s", ErrUnknownInvite, theirs.InviteID)
		}
	}

	if secret == "" {
		if err := framer.Send(MsgHandshake, ours); err != nil {
			return nil, fmt.Errorf("send handshake: %w", err)
		}
		return theirs, nil
	}

	if len(theirs.PAKE) == 0 {
		reject(framer, RejectCodePakeFailed, ErrPakeMismatch)
		return nil, fmt.Errorf("%w: peer skipped key exchange", ErrPakeMismatch)
	}
	pake := NewListenerPAKE(secret)
	ours.PAKE = pake.Start()
	if err := framer.Send(MsgHandshake, ours); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	if err := pake.Finish(theirs.PAKE); err != nil {
		return nil, err
	}

	confirm, err := readConfirm(framer)
	if err != nil {
		return nil, err
	}
	if err := pake.Check(confirm.MAC, theirs.Pubkey, ours.Pubkey); err != nil {
		reject(framer, RejectCodePakeFailed, err)
		return nil, err
	}
	if err := framer.Send(MsgPakeConfirm, PakeConfirm{MAC: pake.Confirm(theirs.Pubkey, ours.Pubkey)}); err != nil {
		return nil, fmt.Errorf("send confirmation: %w", err)
	}
	return theirs, nil
}

// withDeadline bounds the handshake by HandshakeTimeout or the context
// deadline, whichever is sooner, and returns the reset func.
func withDeadline(ctx context.Context, conn net.Conn) func() {
	deadline := time.Now().Add(HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		conn.SetDeadline(time.Time{})
	}
}

func readHandshake(framer *Framer) (*Handshake, error) {
	msg, err := framer.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("receive handshake: %w", err)
	}
	if err := asReject(msg); err != nil {
		return nil, err
	}
	if msg.Type != MsgHandshake {
		return nil, fmt.Errorf("expected handshake, got %s", msg.Type)
	}

	var hs Handshake
	if err := msg.ParsePayload(&hs); err != nil {
		return nil, fmt.Errorf("parse handshake: %w", err)
	}
	return &hs, nil
}

func readConfirm(framer *Framer) (*PakeConfirm, error) {
	msg, err := framer.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("receive confirmation: %w", err)
	}
	if err := asReject(msg); err != nil {
		return nil, err
	}
	if msg.Type != MsgPakeConfirm {
		return nil, fmt.Errorf("expected %s, got %s", MsgPakeConfirm, msg.Type)
	}
	var c PakeConfirm
	if err := msg.ParsePayload(&c); err != nil {
		return nil, fmt.Errorf("parse confirmation: %w", err)
	}
	return &c, nil
}

func asReject(msg *Message) error {
	if msg.Type != MsgReject {
		return nil
	}
	var r Reject
	if err := msg.ParsePayload(&r); err != nil {
		return fmt.Errorf("parse reject: %w", err)
	}
	return &RejectError{Reject: r}
}

// reject is best effort; the link is being torn down either way.
func reject(framer *Framer, code string, err error) {
	framer.Send(MsgReject, Reject{Reason: err.Error(), Code: code})
}

// isVersionCompatible checks if version meets minimum requirement
func isVersionCompatible(version, minVersion string) bool {
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}
	floor, err := ParseVersion(minVersion)
	if err != nil {
		return false
	}
	return v.Compare(floor) >= 0
}

// Version represents a semantic version
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a version string like "1.2.3". Pre-release suffixes
// such as "-rc1" are ignored.
func ParseVersion(s string) (Version, error) {
	var v Version
	parts := strings.Split(s, ".")
	if s == "" || len(parts) > 3 {
		return v, fmt.Errorf("invalid version format: %q", s)
	}

	nums := [3]*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		if j := strings.IndexFunc(part, func(r rune) bool { return r < '0' || r > '9' }); j >= 0 {
			part = part[:j]
		}
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return v, fmt.Errorf("invalid version number: %s", part)
		}
		*nums[i] = n
	}
	return v, nil
}

// Compare compares two versions
// Returns -1 if v < other, 0 if equal, 1 if v > other
func (v Version) Compare(other Version) int {
	for _, d := range [3]int{v.Major - other.Major, v.Minor - other.Minor, v.Patch - other.Patch} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}
	return 0
}

// String returns the version as a string
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
