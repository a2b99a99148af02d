package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/peer"
	"ixnay.dev/go/ixnay/internal/protocol"
	"ixnay.dev/go/ixnay/internal/session"
	"ixnay.dev/go/ixnay/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueue      = 256
)

// Request is a view API call
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error represents a view API error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Event is pushed by the node without a request
type Event struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Error codes
const (
	ErrCodeInvalidRequest   = -32600
	ErrCodeMethodNotFound   = -32601
	ErrCodeInvalidParams    = -32602
	ErrCodeInternalError    = -32603
	ErrCodeNotFound         = -32000
	ErrCodePermissionDenied = -32001
	ErrCodeUnauthenticated  = -32002
	ErrCodeUnavailable      = -32003
)

// Event types
const (
	EventValue      = "value"
	EventLinkClosed = "link.closed"
)

func errorCode(err error) int {
	switch {
	case errors.Is(err, errInvalidParams), errors.Is(err, peer.ErrInviteInvalid), errors.Is(err, graph.ErrInvalidValue):
		return ErrCodeInvalidParams
	case errors.Is(err, session.ErrUnauthenticated), errors.Is(err, session.ErrNoIdentity):
		return ErrCodeUnauthenticated
	case errors.Is(err, graph.ErrUnauthorized):
		return ErrCodePermissionDenied
	case errors.Is(err, ErrNotLoggedIn):
		return ErrCodeUnavailable
	case errors.Is(err, store.ErrNoProduct), errors.Is(err, peer.ErrUnknownLink):
		return ErrCodeNotFound
	default:
		return ErrCodeInternalError
	}
}

var errInvalidParams = errors.New("invalid params")

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// viewClient is one websocket connection and the subscriptions it holds.
type viewClient struct {
	server *APIServer
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	subs   map[string]*graph.Subscription
	nextID atomic.Uint64
}

func newViewClient(s *APIServer, conn *websocket.Conn) *viewClient {
	return &viewClient{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendQueue),
		done:   make(chan struct{}),
		subs:   make(map[string]*graph.Subscription),
	}
}

// close drops the client and its subscriptions. Safe to call repeatedly.
func (c *viewClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.server.unregister(c)

		c.mu.Lock()
		subs := c.subs
		c.subs = map[string]*graph.Subscription{}
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	})
}

// enqueue never blocks: a client that cannot keep up is disconnected.
func (c *viewClient) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.server.logger.Warn("marshal view message", "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.server.logger.Warn("view client too slow, disconnecting")
		c.close()
	}
}

func (c *viewClient) sendEvent(ev *Event) {
	c.enqueue(ev)
}

func (c *viewClient) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("view client read error", "error", err)
			}
			return
		}
		c.enqueue(c.handle(&req))
	}
}

func (c *viewClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *viewClient) handle(req *Request) *Response {
	handler, ok := viewHandlers[req.Method]
	if !ok {
		return &Response{ID: req.ID, Error: &Error{
			Code:    ErrCodeMethodNotFound,
			Message: "method not found: " + req.Method,
		}}
	}

	result, err := handler(c, req.Params)
	if err != nil {
		return &Response{ID: req.ID, Error: &Error{Code: errorCode(err), Message: err.Error()}}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return &Response{ID: req.ID, Error: &Error{Code: ErrCodeInternalError, Message: "failed to encode result"}}
	}
	return &Response{ID: req.ID, Result: data}
}

type viewHandler func(c *viewClient, params json.RawMessage) (any, error)

var viewHandlers map[string]viewHandler

func init() {
	viewHandlers = map[string]viewHandler{
		"get":            handleGet,
		"put":            handlePut,
		"subscribe":      handleSubscribe,
		"unsubscribe":    handleUnsubscribe,
		"whoami":         handleWhoami,
		"login":          handleLogin,
		"logout":         handleLogout,
		"status":         handleStatus,
		"metrics":        handleMetrics,
		"logs":           handleLogs,
		"peers":          handlePeers,
		"peers.connect":  handlePeersConnect,
		"peers.forget":   handlePeersForget,
		"invite.create":  handleInviteCreate,
		"invite.revoke":  handleInviteRevoke,
		"invite.connect": handleInviteConnect,
		"product.add":    handleProductAdd,
		"product.get":    handleProductGet,
		"product.list":   handleProductList,
		"product.delete": handleProductDelete,
		"cart.add":       handleCartAdd,
		"cart.list":      handleCartList,
	}
}

// PathParams addresses a path under the local or a public root.
type PathParams struct {
	Scope string   `json:"scope"` // "local" or "public"
	Pub   string   `json:"pub,omitempty"`
	Path  []string `json:"path"`
}

func (c *viewClient) resolve(p PathParams) (graph.Path, error) {
	sess := c.server.node.Session()
	switch p.Scope {
	case "", "local":
		return sess.LocalRoot().Get(p.Path...), nil
	case "public":
		var pub []byte
		if p.Pub != "" {
			key, err := crypto.DecodePublicKey(p.Pub)
			if err != nil {
				return graph.Path{}, fmt.Errorf("%w: %v", errInvalidParams, err)
			}
			pub = key
		}
		root, err := sess.PublicRoot(pub)
		if err != nil {
			return graph.Path{}, err
		}
		return root.Get(p.Path...), nil
	default:
		return graph.Path{}, fmt.Errorf("%w: unknown scope %q", errInvalidParams, p.Scope)
	}
}

// ValueResult is a resolved path as sent to views.
type ValueResult struct {
	Sub   string      `json:"sub,omitempty"`
	Found bool        `json:"found"`
	Value graph.Value `json:"value"`
	Soul  graph.Soul  `json:"soul,omitempty"`
	Field string      `json:"field,omitempty"`
	State graph.State `json:"state,omitempty"`
}

func valueResult(r graph.Resolution) ValueResult {
	return ValueResult{Found: r.Found, Value: r.Value, Soul: r.Soul, Field: r.Field, State: r.State}
}

func handleGet(c *viewClient, params json.RawMessage) (any, error) {
	var p PathParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	path, err := c.resolve(p)
	if err != nil {
		return nil, err
	}
	return valueResult(path.Once()), nil
}

func handlePut(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		PathParams
		Value graph.Value `json:"value"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	path, err := c.resolve(p.PathParams)
	if err != nil {
		return nil, err
	}
	e, err := path.Put(p.Value)
	if err != nil {
		return nil, err
	}
	return map[string]any{"state": e.State}, nil
}

// maxDebounce bounds the coalescing window a view may ask for.
const maxDebounce = time.Minute

func handleSubscribe(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		PathParams
		// Debounce coalesces deliveries, in milliseconds.
		Debounce int64 `json:"debounce,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Debounce < 0 || p.Debounce > maxDebounce.Milliseconds() {
		return nil, fmt.Errorf("%w: debounce must be between 0 and %d ms", errInvalidParams, maxDebounce.Milliseconds())
	}
	wait := time.Duration(p.Debounce) * time.Millisecond
	path, err := c.resolve(p.PathParams)
	if err != nil {
		return nil, err
	}

	id := "s" + strconv.FormatUint(c.nextID.Add(1), 10)
	send := func(r graph.Resolution) {
		res := valueResult(r)
		res.Sub = id
		payload, err := json.Marshal(res)
		if err != nil {
			return
		}
		c.sendEvent(&Event{Event: EventValue, Payload: payload})
	}
	// without debounce the first delivery happens inside On, before the
	// response is queued
	var sub *graph.Subscription
	if wait > 0 {
		sub = path.OnDebounced(wait, send)
	} else {
		sub = path.On(send)
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil, errors.New("client closed")
	default:
	}
	c.subs[id] = sub
	c.mu.Unlock()
	return map[string]string{"sub": id}, nil
}

func handleUnsubscribe(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		Sub string `json:"sub"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Sub == "" {
		return nil, fmt.Errorf("%w: sub is required", errInvalidParams)
	}
	c.mu.Lock()
	sub, ok := c.subs[p.Sub]
	delete(c.subs, p.Sub)
	c.mu.Unlock()
	// unsubscribing twice is harmless, as in the hub
	if ok {
		sub.Unsubscribe()
	}
	return map[string]bool{"ok": true, "removed": ok}, nil
}

// Whoami describes the session.
type Whoami struct {
	LoggedIn    bool   `json:"logged_in"`
	HasIdentity bool   `json:"has_identity"`
	Name        string `json:"name,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
}

func whoami(sess *session.Manager) Whoami {
	w := Whoami{HasIdentity: sess.HasIdentity()}
	if id := sess.Identity(); id != nil {
		w.LoggedIn = true
		w.Name = id.Name
		w.Fingerprint = id.Fingerprint()
		w.PublicKey = id.NamespaceKey()
	}
	return w
}

func handleWhoami(c *viewClient, _ json.RawMessage) (any, error) {
	return whoami(c.server.node.Session()), nil
}

func handleLogin(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		Passphrase string `json:"passphrase,omitempty"`
		Mnemonic   string `json:"mnemonic,omitempty"`
		Autologin  bool   `json:"autologin,omitempty"`
		Remember   bool   `json:"remember,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess := c.server.node.Session()
	_, err := sess.Login(session.Credentials{
		Autologin:  p.Autologin,
		Passphrase: []byte(p.Passphrase),
		Mnemonic:   p.Mnemonic,
		Remember:   p.Remember,
	})
	if err != nil {
		return nil, err
	}
	return whoami(sess), nil
}

func handleLogout(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		DeleteIdentity bool `json:"delete_identity"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := c.server.node.Session().Logout(p.DeleteIdentity); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func handleStatus(c *viewClient, _ json.RawMessage) (any, error) {
	return c.server.node.Status(), nil
}

func handleMetrics(c *viewClient, _ json.RawMessage) (any, error) {
	return c.server.node.MetricsSnapshot(), nil
}

func handleLogs(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		Level string    `json:"level"`
		Since time.Time `json:"since"`
		Until time.Time `json:"until"`
		Peer  string    `json:"peer"`
		Limit int       `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	opts := QueryOpts{Level: p.Level, Limit: p.Limit}
	if !p.Since.IsZero() {
		opts.Since = &p.Since
	}
	if !p.Until.IsZero() {
		opts.Until = &p.Until
	}
	if p.Peer != "" {
		opts.Field, opts.Value = "peer", p.Peer
	}
	if opts.Limit <= 0 || opts.Limit > 5000 {
		opts.Limit = 1000
	}
	return c.server.node.LogBuffer().Query(opts), nil
}

func handlePeers(c *viewClient, _ json.RawMessage) (any, error) {
	pm, err := c.server.node.Peers()
	if err != nil {
		return nil, err
	}
	return map[string]any{"links": pm.Links(), "saved": pm.SavedPeers()}, nil
}

func handlePeersConnect(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		Addr        string `json:"addr"`
		Fingerprint string `json:"fingerprint,omitempty"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pm, err := c.server.node.Peers()
	if err != nil {
		return nil, err
	}
	id, err := pm.Connect(p.Addr, p.Fingerprint)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func handlePeersForget(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pm, err := c.server.node.Peers()
	if err != nil {
		return nil, err
	}
	if err := pm.Forget(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// InviteResult carries a freshly issued token.
type InviteResult struct {
	Token  string      `json:"token"`
	Invite peer.Invite `json:"invite"`
	Secret bool        `json:"secret"`
}

func handleInviteCreate(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		TTL    string `json:"ttl,omitempty"`
		Secret bool   `json:"secret"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ttl := 24 * time.Hour
	if p.TTL != "" {
		d, err := time.ParseDuration(p.TTL)
		if err != nil {
			return nil, fmt.Errorf("%w: ttl: %v", errInvalidParams, err)
		}
		ttl = d
	}
	pm, err := c.server.node.Peers()
	if err != nil {
		return nil, err
	}
	inv, token, err := pm.CreateInvite(ttl, p.Secret)
	if err != nil {
		return nil, err
	}
	return InviteResult{Token: token, Invite: inv, Secret: inv.HasSecret()}, nil
}

func handleInviteRevoke(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pm, err := c.server.node.Peers()
	if err != nil {
		return nil, err
	}
	return map[string]bool{"revoked": pm.RevokeInvite(p.ID)}, nil
}

func handleInviteConnect(c *viewClient, params json.RawMessage) (any, error) {
	var p struct {
		Token string `json:"token"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pm, err := c.server.node.Peers()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), protocol.DialTimeout+protocol.HandshakeTimeout)
	defer cancel()
	return pm.ConnectViaInvite(ctx, p.Token)
}

type storeParams struct {
	Pub string `json:"pub,omitempty"`
	ID  string `json:"id,omitempty"`
}

func (p storeParams) key() ([]byte, error) {
	if p.Pub == "" {
		return nil, nil
	}
	key, err := crypto.DecodePublicKey(p.Pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return key, nil
}

func handleProductAdd(c *viewClient, params json.RawMessage) (any, error) {
	var p store.Product
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id, err := c.server.node.Catalog().AddProduct(p)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": id}, nil
}

func handleProductGet(c *viewClient, params json.RawMessage) (any, error) {
	var p storeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	key, err := p.key()
	if err != nil {
		return nil, err
	}
	return c.server.node.Catalog().Product(key, p.ID)
}

func handleProductList(c *viewClient, params json.RawMessage) (any, error) {
	var p storeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	key, err := p.key()
	if err != nil {
		return nil, err
	}
	return c.server.node.Catalog().Products(key)
}

func handleProductDelete(c *viewClient, params json.RawMessage) (any, error) {
	var p storeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := c.server.node.Catalog().DeleteProduct(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func handleCartAdd(c *viewClient, params json.RawMessage) (any, error) {
	var p storeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	key, err := p.key()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%w: store key required", errInvalidParams)
	}
	n, err := c.server.node.Catalog().AddToCart(key, p.ID)
	if err != nil {
		return nil, err
	}
	return map[string]int{"count": n}, nil
}

func handleCartList(c *viewClient, _ json.RawMessage) (any, error) {
	return c.server.node.Catalog().Cart(), nil
}
