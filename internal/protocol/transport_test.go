package protocol

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"ixnay.dev/go/ixnay/internal/crypto"
)

func newTestTransport(t *testing.T, name string) (*Transport, *crypto.Identity) {
	t.Helper()
	id, err := crypto.GenerateIdentity(name)
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	tc, err := crypto.GenerateTLSConfig(id)
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}
	tr, err := Listen("127.0.0.1:0", tc)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr, id
}

func TestTransportSignedExchange(t *testing.T) {
	serverT, serverID := newTestTransport(t, "server")
	clientT, clientID := newTestTransport(t, "client")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan *Message, 1)
	errCh := make(chan error, 1)
	go func() {
		raw, err := serverT.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		defer raw.Close()
		if err := raw.HandshakeContext(ctx); err != nil {
			errCh <- err
			return
		}
		peer, err := crypto.PeerPublicKey(raw.ConnectionState())
		if err != nil {
			errCh <- err
			return
		}
		conn := NewConn(raw, serverID, peer, time.Second)
		msg, err := conn.Receive()
		if err != nil {
			errCh <- err
			return
		}
		got <- msg
	}()

	raw, err := clientT.Dial(ctx, serverT.Addr(), serverID.Fingerprint())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer raw.Close()

	conn := NewConn(raw, clientID, serverID.SigningPublicKey(), time.Second)
	if err := conn.Send(MsgPing, Ping{Seq: 9}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != MsgPing || msg.Nonce != 1 {
			t.Errorf("unexpected message %s nonce %d", msg.Type, msg.Nonce)
		}
		if !bytes.Equal(msg.From, clientID.SigningPublicKey()) {
			t.Error("message should be signed by the client identity")
		}
	case err := <-errCh:
		t.Fatalf("server: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestTransportDialWrongFingerprint(t *testing.T) {
	serverT, _ := newTestTransport(t, "server")
	clientT, other := newTestTransport(t, "client")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		raw, err := serverT.Accept(ctx)
		if err == nil {
			raw.HandshakeContext(ctx)
			raw.Close()
		}
	}()

	if _, err := clientT.Dial(ctx, serverT.Addr(), other.Fingerprint()); err == nil {
		t.Fatal("dial should fail when the certificate does not match the pin")
	}
}

func TestTransportAcceptAfterClose(t *testing.T) {
	tr, _ := newTestTransport(t, "server")
	tr.Close()
	if _, err := tr.Accept(context.Background()); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestConnRejectsReplayAndForgery(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sender, stranger := newTestSigner(t), newTestSigner(t)
	receiver := NewConn(b, newTestSigner(t), sender.PublicKey(), 0)
	raw := NewFramer(nil, a)

	write := func(signer crypto.Signer, nonce uint64) {
		msg, _ := NewMessage(MsgPing, Ping{Seq: nonce})
		msg.Nonce = nonce
		msg.Sign(signer)
		go raw.WriteMessage(msg)
	}

	write(sender, 5)
	if msg, err := receiver.Receive(); err != nil || msg.Nonce != 5 {
		t.Fatalf("first message: %v", err)
	}

	write(sender, 5)
	if _, err := receiver.Receive(); !errors.Is(err, ErrReplay) || !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected replay to be malformed, got %v", err)
	}

	write(stranger, 6)
	if _, err := receiver.Receive(); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected forged sender to be malformed, got %v", err)
	}

	write(sender, 6)
	if msg, err := receiver.Receive(); err != nil || msg.Nonce != 6 {
		t.Errorf("stream should recover after rejected frames: %v", err)
	}
}
