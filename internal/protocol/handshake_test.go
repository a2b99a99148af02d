package protocol

import (
	"context"
	"errors"
	"net"
	"testing"
)

type handshakeResult struct {
	hs  *Handshake
	err error
}

func runHandshake(t *testing.T, dialer, listener *Handshake, secret string, lookup SecretLookup) (handshakeResult, handshakeResult) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	accepted := make(chan handshakeResult, 1)
	go func() {
		hs, err := AcceptHandshake(ctx, b, listener, lookup)
		if err != nil {
			b.Close()
		}
		accepted <- handshakeResult{hs, err}
	}()

	hs, err := DialHandshake(ctx, a, dialer, secret)
	if err != nil {
		a.Close()
	}
	return handshakeResult{hs, err}, <-accepted
}

func TestHandshakePlain(t *testing.T) {
	d := NewHandshake("alice", []byte("alice-key"), "127.0.0.1:1")
	l := NewHandshake("bob", []byte("bob-key"), "127.0.0.1:2")

	dr, lr := runHandshake(t, d, l, "", nil)
	if dr.err != nil || lr.err != nil {
		t.Fatalf("handshake failed: dial=%v accept=%v", dr.err, lr.err)
	}
	if dr.hs.Name != "bob" || string(dr.hs.Pubkey) != "bob-key" {
		t.Errorf("dialer saw %+v", dr.hs)
	}
	if lr.hs.ListenAddr != "127.0.0.1:1" {
		t.Errorf("listener saw listen addr %q", lr.hs.ListenAddr)
	}
}

func TestHandshakeWithInviteSecret(t *testing.T) {
	lookup := func(id string) (string, bool) {
		if id == "inv-1" {
			return "correct horse", true
		}
		return "", false
	}

	t.Run("matching secret", func(t *testing.T) {
		d := NewHandshake("alice", []byte("alice-key"), "")
		d.InviteID = "inv-1"
		l := NewHandshake("bob", []byte("bob-key"), "")

		dr, lr := runHandshake(t, d, l, "correct horse", lookup)
		if dr.err != nil || lr.err != nil {
			t.Fatalf("handshake failed: dial=%v accept=%v", dr.err, lr.err)
		}
		if len(dr.hs.PAKE) == 0 || len(lr.hs.PAKE) == 0 {
			t.Error("both sides should have exchanged SPAKE2 messages")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		d := NewHandshake("alice", []byte("alice-key"), "")
		d.InviteID = "inv-1"
		l := NewHandshake("bob", []byte("bob-key"), "")

		dr, lr := runHandshake(t, d, l, "battery staple", lookup)
		if !errors.Is(dr.err, ErrPakeMismatch) {
			t.Errorf("dialer: expected ErrPakeMismatch, got %v", dr.err)
		}
		if !errors.Is(lr.err, ErrPakeMismatch) {
			t.Errorf("listener: expected ErrPakeMismatch, got %v", lr.err)
		}
	})

	t.Run("unknown invite", func(t *testing.T) {
		d := NewHandshake("alice", []byte("alice-key"), "")
		d.InviteID = "inv-404"
		l := NewHandshake("bob", []byte("bob-key"), "")

		dr, lr := runHandshake(t, d, l, "whatever", lookup)
		if !errors.Is(dr.err, ErrUnknownInvite) {
			t.Errorf("dialer: expected ErrUnknownInvite, got %v", dr.err)
		}
		if !errors.Is(lr.err, ErrUnknownInvite) {
			t.Errorf("listener: expected ErrUnknownInvite, got %v", lr.err)
		}
	})
}

func TestHandshakeVersionMismatch(t *testing.T) {
	d := NewHandshake("alice", []byte("alice-key"), "")
	d.Version = "0.9.0"
	l := NewHandshake("bob", []byte("bob-key"), "")

	dr, lr := runHandshake(t, d, l, "", nil)
	if lr.err == nil {
		t.Fatal("listener should reject an old version")
	}
	var rej *RejectError
	if !errors.As(dr.err, &rej) || rej.Code != RejectCodeVersionMismatch {
		t.Errorf("dialer: expected version_mismatch reject, got %v", dr.err)
	}
}

func TestHandshakeCompatible(t *testing.T) {
	h1 := NewHandshake("alice", []byte("k1"), "")
	h2 := NewHandshake("bob", []byte("k2"), "")
	if err := h1.Compatible(h2); err != nil {
		t.Errorf("same versions should be compatible: %v", err)
	}

	h2.Pubkey = nil
	if err := h1.Compatible(h2); err == nil {
		t.Error("missing pubkey should be incompatible")
	}
	if err := h1.Compatible(nil); err == nil {
		t.Error("nil handshake should be incompatible")
	}
}

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		v, min string
		want   bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.2.0", "1.0.0", true},
		{"1.0.0", "1.0.1", false},
		{"2.0", "1.9.9", true},
		{"1.0.0-rc1", "1.0.0", true},
		{"garbage.x", "1.0.0", false},
		{"", "1.0.0", false},
	}
	for _, tt := range tests {
		if got := isVersionCompatible(tt.v, tt.min); got != tt.want {
			t.Errorf("isVersionCompatible(%q, %q) = %v, want %v", tt.v, tt.min, got, tt.want)
		}
	}
}
