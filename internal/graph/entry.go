package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"ixnay.dev/go/ixnay/internal/crypto"
)

var (
	// ErrUnauthorized is returned by Put when the signer does not own the
	// namespace the soul lives under.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidSignature is returned by Merge for entries whose signature
	// is missing where required or does not verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidKey is returned for empty souls or fields.
	ErrInvalidKey = errors.New("invalid soul or field")
)

// Entry is the stored state of one field.
type Entry struct {
	Value     Value  `json:"value"`
	State     State  `json:"state"`
	Writer    []byte `json:"writer,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// Equal reports whether two entries are identical in every merge-relevant part.
func (e Entry) Equal(o Entry) bool {
	return e.State == o.State &&
		e.Value.Equal(o.Value) &&
		bytes.Equal(e.Writer, o.Writer) &&
		bytes.Equal(e.Signature, o.Signature)
}

const signingDomain = "ixnay/entry/v1"

// SigningMessage is the byte string a writer signs for soul.field = e.
func SigningMessage(soul Soul, field string, e Entry) []byte {
	msg, _ := json.Marshal([]any{
		signingDomain,
		string(soul),
		field,
		json.RawMessage(e.Value.Canonical()),
		uint64(e.State),
		e.Writer,
	})
	return msg
}

// SignEntry fills Writer and Signature for soul.field = e.
func SignEntry(soul Soul, field string, e Entry, signer crypto.Signer) (Entry, error) {
	e.Writer = append([]byte(nil), signer.PublicKey()...)
	sig, err := signer.Sign(SigningMessage(soul, field, e))
	if err != nil {
		return Entry{}, fmt.Errorf("sign entry: %w", err)
	}
	e.Signature = sig
	return e, nil
}

// VerifyEntry checks that e may live at soul.field.
//
// Under a namespace the entry must be signed by the namespace key.
// Elsewhere unsigned entries are accepted, but a claimed writer must be
// backed by a valid signature.
func VerifyEntry(soul Soul, field string, e Entry) error {
	if owner, ok := soul.Owner(); ok {
		if owner == nil || len(e.Signature) == 0 || !bytes.Equal(e.Writer, owner) {
			return ErrInvalidSignature
		}
		if !crypto.Verify(owner, SigningMessage(soul, field, e), e.Signature) {
			return ErrInvalidSignature
		}
		return nil
	}

	if len(e.Writer) == 0 && len(e.Signature) == 0 {
		return nil
	}
	if !crypto.Verify(e.Writer, SigningMessage(soul, field, e), e.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// wins reports whether incoming beats current: higher state first, then the
// lexicographically smaller writer key, then the greater serialized value.
// Identical entries do not win.
func wins(incoming, current Entry) bool {
	if incoming.State != current.State {
		return incoming.State > current.State
	}
	if c := bytes.Compare(incoming.Writer, current.Writer); c != 0 {
		return c < 0
	}
	return bytes.Compare(incoming.Value.Canonical(), current.Value.Canonical()) > 0
}
