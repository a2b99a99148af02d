package client

import (
	"encoding/json"
	"time"
)

// Status represents node status
type Status struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid"`
	Uptime        string    `json:"uptime"`
	StartTime     time.Time `json:"start_time"`
	LoggedIn      bool      `json:"logged_in"`
	Identity      string    `json:"identity"`
	Fingerprint   string    `json:"fingerprint"`
	PublicKey     string    `json:"public_key"`
	P2PAddr       string    `json:"p2p_addr"`
	APIAddr       string    `json:"api_addr"`
	Links         int       `json:"links"`
	Souls         int       `json:"souls"`
	Subscriptions int       `json:"subscriptions"`
}

// Whoami describes the node's session
type Whoami struct {
	LoggedIn    bool   `json:"logged_in"`
	HasIdentity bool   `json:"has_identity"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
}

// Scope selects the root a path is resolved under.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopePublic Scope = "public"
)

// Target addresses a graph path. Pub selects another user's public root.
type Target struct {
	Scope Scope    `json:"scope"`
	Pub   string   `json:"pub,omitempty"`
	Path  []string `json:"path"`
}

// Value is a resolved path. Value holds the graph value as JSON: null,
// string, number, bool, or {"#": soul}.
type Value struct {
	Sub   string          `json:"sub,omitempty"`
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value"`
	Soul  string          `json:"soul,omitempty"`
	Field string          `json:"field,omitempty"`
	State uint64          `json:"state,omitempty"`
}

// Link is a peer link as reported by the node
type Link struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peer_id"`
	Name        string    `json:"name"`
	Addr        string    `json:"addr"`
	State       string    `json:"state"`
	Outgoing    bool      `json:"outgoing"`
	LastSeen    time.Time `json:"last_seen"`
	ConnectedAt time.Time `json:"connected_at"`
	Attempts    int       `json:"attempts"`
	Backoff     string    `json:"backoff"`
	Queued      int       `json:"queued"`
	Malformed   int       `json:"malformed"`
}

// SavedPeer is a peer the node redials at startup
type SavedPeer struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Addr        string    `json:"addr"`
	AddedAt     time.Time `json:"added_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Peers lists links and saved peers
type Peers struct {
	Links []Link      `json:"links"`
	Saved []SavedPeer `json:"saved"`
}

// Invite is an issued invite token
type Invite struct {
	Token  string `json:"token"`
	Secret bool   `json:"secret"`
	Invite struct {
		ID        string    `json:"id"`
		Addr      string    `json:"addr"`
		Peer      string    `json:"peer"`
		Name      string    `json:"name"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"invite"`
}

// Product is a catalog entry
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Location    string  `json:"location,omitempty"`
	Sub         string  `json:"sub,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// Status gets the node status
func (c *Client) Status() (*Status, error) {
	var status Status
	if err := c.CallResult("status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Whoami reports the session identity
func (c *Client) Whoami() (*Whoami, error) {
	var w Whoami
	if err := c.CallResult("whoami", nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Login unlocks the node's identity with a passphrase or a recovery phrase.
func (c *Client) Login(passphrase, mnemonic string, remember bool) (*Whoami, error) {
	var w Whoami
	err := c.CallResult("login", map[string]any{
		"passphrase": passphrase,
		"mnemonic":   mnemonic,
		"remember":   remember,
	}, &w)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Logout locks the node's identity
func (c *Client) Logout(deleteIdentity bool) error {
	_, err := c.Call("logout", map[string]bool{"delete_identity": deleteIdentity})
	return err
}

// Get resolves a path once
func (c *Client) Get(t Target) (*Value, error) {
	var v Value
	if err := c.CallResult("get", t, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Put writes a JSON-encoded value at the path
func (c *Client) Put(t Target, value json.RawMessage) (uint64, error) {
	params := struct {
		Target
		Value json.RawMessage `json:"value"`
	}{t, value}
	var res struct {
		State uint64 `json:"state"`
	}
	if err := c.CallResult("put", params, &res); err != nil {
		return 0, err
	}
	return res.State, nil
}

// Subscribe watches a path. Values arrive on Events as "value" events
// carrying the returned subscription id; the first one may arrive before
// Subscribe returns.
func (c *Client) Subscribe(t Target) (string, error) {
	return c.SubscribeDebounced(t, 0)
}

// SubscribeDebounced is Subscribe with deliveries coalesced until the
// value has been quiet for wait.
func (c *Client) SubscribeDebounced(t Target, wait time.Duration) (string, error) {
	params := struct {
		Target
		Debounce int64 `json:"debounce,omitempty"`
	}{t, wait.Milliseconds()}
	var res struct {
		Sub string `json:"sub"`
	}
	if err := c.CallResult("subscribe", params, &res); err != nil {
		return "", err
	}
	return res.Sub, nil
}

// Unsubscribe stops a subscription
func (c *Client) Unsubscribe(sub string) error {
	_, err := c.Call("unsubscribe", map[string]string{"sub": sub})
	return err
}

// Peers lists links and saved peers
func (c *Client) Peers() (*Peers, error) {
	var p Peers
	if err := c.CallResult("peers", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ConnectPeer opens a saved link to addr, pinned to fingerprint when set.
func (c *Client) ConnectPeer(addr, fingerprint string) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	err := c.CallResult("peers.connect", map[string]string{"addr": addr, "fingerprint": fingerprint}, &res)
	return res.ID, err
}

// ForgetPeer closes a link and removes it from the saved peers
func (c *Client) ForgetPeer(id string) error {
	_, err := c.Call("peers.forget", map[string]string{"id": id})
	return err
}

// CreateInvite issues an invite token
func (c *Client) CreateInvite(ttl time.Duration, secret bool) (*Invite, error) {
	var inv Invite
	err := c.CallResult("invite.create", map[string]any{"ttl": ttl.String(), "secret": secret}, &inv)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// RevokeInvite withdraws an invite before it expires
func (c *Client) RevokeInvite(id string) (bool, error) {
	var res struct {
		Revoked bool `json:"revoked"`
	}
	err := c.CallResult("invite.revoke", map[string]string{"id": id}, &res)
	return res.Revoked, err
}

// ConnectInvite redeems an invite token
func (c *Client) ConnectInvite(token string) (*Link, error) {
	var l Link
	if err := c.CallResult("invite.connect", map[string]string{"token": token}, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// AddProduct publishes a product under the caller's store
func (c *Client) AddProduct(p Product) (string, error) {
	var res struct {
		ID string `json:"id"`
	}
	err := c.CallResult("product.add", p, &res)
	return res.ID, err
}

// Product reads one product; pub selects another user's store.
func (c *Client) Product(pub, id string) (*Product, error) {
	var p Product
	if err := c.CallResult("product.get", map[string]string{"pub": pub, "id": id}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Products lists a store's products
func (c *Client) Products(pub string) ([]Product, error) {
	var list []Product
	err := c.CallResult("product.list", map[string]string{"pub": pub}, &list)
	return list, err
}

// DeleteProduct removes a product from the caller's store
func (c *Client) DeleteProduct(id string) error {
	_, err := c.Call("product.delete", map[string]string{"id": id})
	return err
}

// AddToCart bumps the local cart count for a product
func (c *Client) AddToCart(storePub, id string) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	err := c.CallResult("cart.add", map[string]string{"pub": storePub, "id": id}, &res)
	return res.Count, err
}

// Cart returns counts per store and product
func (c *Client) Cart() (map[string]map[string]int, error) {
	var cart map[string]map[string]int
	err := c.CallResult("cart.list", nil, &cart)
	return cart, err
}

// LogEntry is one buffered node log record
type LogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogQuery filters the node's log buffer
type LogQuery struct {
	Level string    `json:"level,omitempty"`
	Since time.Time `json:"since,omitzero"`
	Until time.Time `json:"until,omitzero"`
	Peer  string    `json:"peer,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// Logs queries the node's in-memory log buffer
func (c *Client) Logs(q LogQuery) ([]LogEntry, error) {
	var entries []LogEntry
	err := c.CallResult("logs", q, &entries)
	return entries, err
}
