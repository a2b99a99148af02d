package protocol

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ixnay.dev/go/ixnay/internal/crypto"
)

// Version information
const (
	ProtocolVersion    = "1.0.0"
	MinProtocolVersion = "1.0.0"
)

// MessageType identifies the type of P2P message
type MessageType string

const (
	MsgHandshake   MessageType = "handshake"
	MsgPakeConfirm MessageType = "pake_confirm" // SPAKE2 key confirmation
	MsgDelta       MessageType = "delta"        // One field entry
	MsgDiffRequest MessageType = "diff_request" // Ask for entries newer than a cursor
	MsgDiffDone    MessageType = "diff_done"    // End of a diff stream
	MsgPing        MessageType = "ping"
	MsgPong        MessageType = "pong"
	MsgReject      MessageType = "reject"
)

// Message is a P2P protocol message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	From      []byte          `json:"from,omitempty"`      // Sender's Ed25519 public key
	Nonce     uint64          `json:"nonce,omitempty"`     // Strictly increasing per link
	Signature []byte          `json:"signature,omitempty"` // Ed25519 signature over SigningData
}

// NewMessage creates a new message with the given payload
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// ParsePayload unmarshals the message payload
func (m *Message) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// SigningData returns the canonical bytes to be signed for this message.
// Format: Type (length-prefixed) || Timestamp (Unix nano) || Nonce || Payload
func (m *Message) SigningData() []byte {
	var buf bytes.Buffer

	typeBytes := []byte(m.Type)
	binary.Write(&buf, binary.BigEndian, uint32(len(typeBytes)))
	buf.Write(typeBytes)
	binary.Write(&buf, binary.BigEndian, m.Timestamp.UnixNano())
	binary.Write(&buf, binary.BigEndian, m.Nonce)
	buf.Write(m.Payload)

	return buf.Bytes()
}

// Sign sets From and Signature using signer.
func (m *Message) Sign(signer crypto.Signer) error {
	m.From = append([]byte(nil), signer.PublicKey()...)
	sig, err := signer.Sign(m.SigningData())
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	m.Signature = sig
	return nil
}

// Verify verifies the message signature against the From public key.
func (m *Message) Verify() error {
	if len(m.From) != ed25519.PublicKeySize {
		return errors.New("missing or invalid sender public key")
	}
	if len(m.Signature) != ed25519.SignatureSize {
		return errors.New("missing or invalid signature")
	}
	if !crypto.Verify(m.From, m.SigningData(), m.Signature) {
		return errors.New("invalid message signature")
	}
	return nil
}

// VerifyFrom verifies the signature and that the message is from the expected sender.
func (m *Message) VerifyFrom(expectedPubKey []byte) error {
	if err := m.Verify(); err != nil {
		return err
	}
	if !bytes.Equal(m.From, expectedPubKey) {
		return errors.New("message sender does not match expected peer")
	}
	return nil
}

// IsSigned returns true if the message has signature fields set.
func (m *Message) IsSigned() bool {
	return len(m.From) > 0 && len(m.Signature) > 0
}

// Handshake is exchanged when peers connect
type Handshake struct {
	Version    string `json:"version"`
	MinVersion string `json:"min_version"`
	Pubkey     []byte `json:"pubkey"` // Signing public key (identity)
	Name       string `json:"name,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty"` // Where the sender accepts links
	InviteID   string `json:"invite_id,omitempty"`   // jti of the invite being redeemed
	PAKE       []byte `json:"pake,omitempty"`        // SPAKE2 message when the invite has a secret
}

// NewHandshake creates a handshake for the given identity key.
func NewHandshake(name string, pubkey []byte, listenAddr string) *Handshake {
	return &Handshake{
		Version:    ProtocolVersion,
		MinVersion: MinProtocolVersion,
		Pubkey:     pubkey,
		Name:       name,
		ListenAddr: listenAddr,
	}
}

// PakeConfirm carries a key confirmation MAC derived from the SPAKE2 session key.
type PakeConfirm struct {
	MAC []byte `json:"mac"`
}

// Delta is one field entry on the wire. Value is the canonical JSON of the
// graph value, so the receiver verifies exactly what the writer signed.
type Delta struct {
	Soul      string          `json:"soul"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	State     uint64          `json:"state"`
	Writer    []byte          `json:"writer,omitempty"`
	Signature []byte          `json:"signature,omitempty"`
}

// DiffRequest asks the peer for every entry reachable from Roots that the
// requester does not already hold at a newer state. Cursors maps soul to
// field to the state the requester holds.
type DiffRequest struct {
	Roots   []string                     `json:"roots"`
	Cursors map[string]map[string]uint64 `json:"cursors,omitempty"`
}

// DiffDone terminates the delta stream answering a DiffRequest.
type DiffDone struct {
	Roots []string `json:"roots"`
	Count int      `json:"count"`
}

// Ping is a heartbeat probe
type Ping struct {
	Seq uint64 `json:"seq"`
}

// Pong answers a Ping with the same sequence number
type Pong struct {
	Seq uint64 `json:"seq"`
}

// Reject indicates a request or link was rejected
type Reject struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

// Common rejection codes
const (
	RejectCodeVersionMismatch = "version_mismatch"
	RejectCodeInvalidRequest  = "invalid_request"
	RejectCodeRateLimited     = "rate_limited"
	RejectCodeInviteInvalid   = "invite_invalid"
	RejectCodePakeFailed      = "pake_failed"
	RejectCodeMalformed       = "malformed"
)

// RejectError is returned when the peer sent a Reject.
type RejectError struct {
	Reject
}

func (e *RejectError) Error() string {
	if e.Code == "" {
		return "rejected: " + e.Reason
	}
	return fmt.Sprintf("rejected (%s): %s", e.Code, e.Reason)
}

// Unwrap maps reject codes onto the local sentinel errors.
func (e *RejectError) Unwrap() error {
	switch e.Code {
	case RejectCodePakeFailed:
		return ErrPakeMismatch
	case RejectCodeInviteInvalid:
		return ErrUnknownInvite
	}
	return nil
}
