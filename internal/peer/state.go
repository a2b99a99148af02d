// Package peer discovers, opens, monitors and repairs links to other
// replicas and relays graph changes over them.
package peer

import (
	"errors"
	"time"
)

var (
	// ErrTransportFailure is the cause recorded when a link's connection is
	// lost, stays degraded too long, or cannot be re-established.
	ErrTransportFailure = errors.New("transport failure")

	// ErrInviteInvalid is returned for invite tokens with a bad signature,
	// a fingerprint that does not match the key, or a past expiry, and for
	// invites the inviter refuses.
	ErrInviteInvalid = errors.New("invalid invite")

	// ErrLinkClosed is returned when queueing on a link that is not open.
	ErrLinkClosed = errors.New("link closed")

	// ErrUnknownLink is returned for link ids the manager does not hold.
	ErrUnknownLink = errors.New("unknown link")

	// ErrIdentityMismatch is returned when the key presented in the
	// handshake differs from the one in the TLS certificate.
	ErrIdentityMismatch = errors.New("handshake key does not match certificate")

	errMisbehaving = errors.New("too many malformed messages")
	errSuperseded  = errors.New("superseded by another link to the same peer")
	errForgotten   = errors.New("link forgotten")
	errStopped     = errors.New("manager stopped")
)

// State represents the lifecycle position of a link
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateOpen
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON views.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LinkInfo is the public view of a link
type LinkInfo struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peer_id"` // fingerprint
	Name        string    `json:"name,omitempty"`
	Addr        string    `json:"addr,omitempty"`
	State       State     `json:"state"`
	Outgoing    bool      `json:"outgoing"`
	LastSeen    time.Time `json:"last_seen"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Attempts    int       `json:"attempts"`
	Backoff     string    `json:"backoff,omitempty"`
	Queued      int       `json:"queued"`
	Malformed   int       `json:"malformed"`

	// Err is the cause of closing, set only in OnLinkClosed reports.
	Err error `json:"-"`
}
