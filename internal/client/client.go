// Package client talks to a running node over its websocket view API.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ixnay.dev/go/ixnay/internal/config"
)

// Client is a view API connection to the node
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	reqID   atomic.Uint64

	mu      sync.Mutex
	timeout time.Duration
	pending map[string]chan *Response
	err     error

	events chan *Event
	done   chan struct{}
}

// Request represents a view API request
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a view API response
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a failure reported by the node
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes reported by the node
const (
	CodeNotFound        = -32000
	CodePermission      = -32001
	CodeUnauthenticated = -32002
	CodeUnavailable     = -32003
)

// HasCode reports whether err is a node error with the given code.
func HasCode(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Event represents a server-initiated event
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// envelope is either a response or an event.
type envelope struct {
	Response
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

const eventBuffer = 256

// ErrNodeNotRunning is returned when no node answers on the API port
var ErrNodeNotRunning = errors.New("node is not running")

// ErrClosed is returned for calls on a closed connection
var ErrClosed = errors.New("connection closed")

// Connect dials the node configured for this user.
func Connect() (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return ConnectTo(net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Node.APIPort)))
}

// ConnectTo dials the view API at addr ("host:port").
func ConnectTo(addr string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeNotRunning, err)
	}

	c := &Client{
		conn:    conn,
		timeout: 30 * time.Second,
		pending: make(map[string]chan *Response),
		events:  make(chan *Event, eventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the client connection
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.fail(err)
			return
		}
		if env.Event != "" {
			select {
			case c.events <- &Event{Event: env.Event, Payload: env.Payload}:
			default:
				// nobody is draining events
			}
			continue
		}

		c.mu.Lock()
		ch := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ch != nil {
			resp := env.Response
			ch <- &resp
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
		close(c.done)
	}
}

// Events delivers subscription values and node notifications. It is
// closed when the connection ends.
func (c *Client) Events() <-chan *Event {
	return c.events
}

// Call makes a view API call and returns the raw result
func (c *Client) Call(method string, params any) (json.RawMessage, error) {
	id := strconv.FormatUint(c.reqID.Add(1), 10)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	ch := make(chan *Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	timeout := c.timeout
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	err := c.conn.WriteJSON(Request{ID: id, Method: method, Params: paramsJSON})
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		c.forget(id)
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("%s: timed out after %s", method, timeout)
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// CallResult makes a call and unmarshals the result
func (c *Client) CallResult(method string, params any, result any) error {
	raw, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// SetTimeout sets the request timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// IsRunning checks if the node is running by attempting to connect
func IsRunning() bool {
	c, err := Connect()
	if err != nil {
		return false
	}
	defer c.Close()
	_, err = c.Status()
	return err == nil
}

// RequireNode returns an error if the node is not running
func RequireNode() error {
	if !IsRunning() {
		return ErrNodeNotRunning
	}
	return nil
}
