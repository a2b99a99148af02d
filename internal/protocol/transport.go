package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"ixnay.dev/go/ixnay/internal/crypto"
)

// DialTimeout bounds a single TCP+TLS dial.
const DialTimeout = 10 * time.Second

// ErrTransportClosed is returned by Accept after Close.
var ErrTransportClosed = errors.New("transport closed")

// Transport listens for and dials mutually authenticated TLS links.
type Transport struct {
	listener net.Listener
	tls      *crypto.TLSConfig
	mu       sync.RWMutex
	closed   bool
}

// Listen creates a transport listening on addr ("host:port", port 0 picks one).
func Listen(addr string, tc *crypto.TLSConfig) (*Transport, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Transport{listener: listener, tls: tc}, nil
}

// Dial connects to addr and completes the TLS handshake. When
// expectedFingerprint is set the peer certificate must match it.
func (t *Transport) Dial(ctx context.Context, addr, expectedFingerprint string) (*tls.Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: DialTimeout},
		Config:    t.tls.NewClientTLSConfig(expectedFingerprint),
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn.(*tls.Conn), nil
}

// Accept waits for the next incoming connection. The TLS handshake is left
// to the caller so a slow peer cannot stall the accept loop.
func (t *Transport) Accept(ctx context.Context) (*tls.Conn, error) {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return nil, ErrTransportClosed
	}
	t.mu.RUnlock()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan acceptResult, 1)

	go func() {
		conn, err := t.listener.Accept()
		resultCh <- acceptResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return nil, ErrTransportClosed
			}
			return nil, result.err
		}
		return tls.Server(result.conn, t.tls.NewServerTLSConfig()), nil
	}
}

// Close shuts down the transport
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.listener.Close()
}

// Addr returns the address the transport listens on.
func (t *Transport) Addr() string {
	return t.listener.Addr().String()
}

// Port returns the port the transport listens on.
func (t *Transport) Port() int {
	if a, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// ErrReplay is returned by Receive for a nonce that does not increase.
var ErrReplay = errors.New("replayed or reordered message")

// Conn carries signed messages over an established link. Every outgoing
// message gets the next nonce; incoming nonces must strictly increase.
// Send is safe for concurrent use; Receive must be called from one goroutine.
type Conn struct {
	conn         net.Conn
	framer       *Framer
	signer       crypto.Signer
	peer         []byte
	writeTimeout time.Duration

	wmu   sync.Mutex
	nonce uint64

	lastNonce uint64
}

// NewConn wraps an authenticated link. peer is the identity key every
// incoming message must be signed with.
func NewConn(conn net.Conn, signer crypto.Signer, peer []byte, writeTimeout time.Duration) *Conn {
	return &Conn{
		conn:         conn,
		framer:       NewFramer(conn, conn),
		signer:       signer,
		peer:         peer,
		writeTimeout: writeTimeout,
	}
}

// Send creates, signs and writes a message.
func (c *Conn) Send(msgType MessageType, payload any) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return c.WriteMessage(msg)
}

// WriteMessage assigns the next nonce to msg, signs it and writes it.
func (c *Conn) WriteMessage(msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.nonce++
	msg.Nonce = c.nonce
	if err := msg.Sign(c.signer); err != nil {
		return err
	}
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.framer.WriteMessage(msg)
}

// Receive reads the next message. Errors wrapping ErrMalformedFrame leave
// the stream usable; any other error means the link is gone.
func (c *Conn) Receive() (*Message, error) {
	msg, err := c.framer.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := msg.VerifyFrom(c.peer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Nonce <= c.lastNonce {
		return nil, fmt.Errorf("%w: %w (nonce %d after %d)", ErrMalformedFrame, ErrReplay, msg.Nonce, c.lastNonce)
	}
	c.lastNonce = msg.Nonce
	return msg, nil
}

// Peer returns the remote identity key.
func (c *Conn) Peer() []byte {
	return c.peer
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
