package node

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"ixnay.dev/go/ixnay/internal/client"
	"ixnay.dev/go/ixnay/internal/config"
	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/keychain"
	"ixnay.dev/go/ixnay/internal/peer"
)

const passphrase = "correct horse battery staple"

func newTestNode(t *testing.T, name string) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Identity.Name = name
	cfg.Node.P2PPort = 0
	cfg.Node.APIPort = 0
	cfg.Node.GraphDB = ":memory:"
	cfg.Discovery.MDNS = false
	cfg.Logging.Level = "debug"

	buf := NewLogBuffer(1000)
	n, err := New(Options{
		Config:    cfg,
		Paths:     config.PathsFor(t.TempDir()),
		Keychain:  &keychain.Memory{},
		Logger:    NewLogger(cfg.Logging, io.Discard, buf),
		LogBuffer: buf,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

// loggedInNode creates an identity and leaves the node logged in.
func loggedInNode(t *testing.T, name string) *Node {
	t.Helper()
	n := newTestNode(t, name)
	if _, err := n.Session().CreateOrLoadIdentity([]byte(passphrase)); err != nil {
		t.Fatalf("CreateOrLoadIdentity: %v", err)
	}
	return n
}

func dialView(t *testing.T, n *Node) *client.Client {
	t.Helper()
	c, err := client.ConnectTo(n.api.Addr())
	if err != nil {
		t.Fatalf("ConnectTo: %v", err)
	}
	c.SetTimeout(10 * time.Second)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextEvent(t *testing.T, c *client.Client, kind string) *client.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event stream closed")
			}
			if ev.Event == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestViewLoginFlow(t *testing.T) {
	n := newTestNode(t, "alice")
	c := dialView(t, n)

	w, err := c.Whoami()
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if w.LoggedIn || w.HasIdentity {
		t.Errorf("fresh node: %+v", w)
	}
	if _, err := c.Login(passphrase, "", false); !client.HasCode(err, client.CodeUnauthenticated) {
		t.Errorf("login without identity: got %v", err)
	}
	if _, err := c.Peers(); !client.HasCode(err, client.CodeUnavailable) {
		t.Errorf("peers while logged out: got %v", err)
	}

	if _, err := n.Session().CreateOrLoadIdentity([]byte(passphrase)); err != nil {
		t.Fatal(err)
	}
	if err := c.Logout(false); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := n.Peers(); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("peers should stop on logout, got %v", err)
	}

	if _, err := c.Login("wrong", "", false); !client.HasCode(err, client.CodeUnauthenticated) {
		t.Errorf("wrong passphrase: got %v", err)
	}
	w, err = c.Login(passphrase, "", false)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !w.LoggedIn || w.Name != "alice" || w.Fingerprint == "" {
		t.Errorf("unexpected whoami after login: %+v", w)
	}

	status, err := c.Status()
	if err != nil {
		t.Fatal(err)
	}
	if !status.LoggedIn || status.P2PAddr == "" || status.PublicKey != w.PublicKey {
		t.Errorf("unexpected status %+v", status)
	}
	if _, err := c.Peers(); err != nil {
		t.Errorf("peers after login: %v", err)
	}
}

func TestViewGetPutSubscribe(t *testing.T) {
	n := loggedInNode(t, "alice")
	c := dialView(t, n)

	target := client.Target{Scope: client.ScopeLocal, Path: []string{"profile", "nickname"}}
	sub, err := c.Subscribe(target)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var v client.Value
	ev := nextEvent(t, c, "value")
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		t.Fatal(err)
	}
	if v.Sub != sub || v.Found {
		t.Errorf("initial delivery: %+v", v)
	}

	if _, err := c.Put(target, json.RawMessage(`"ally"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	ev = nextEvent(t, c, "value")
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		t.Fatal(err)
	}
	if !v.Found || string(v.Value) != `"ally"` {
		t.Errorf("update delivery: %+v", v)
	}

	got, err := c.Get(target)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Found || string(got.Value) != `"ally"` || got.State == 0 {
		t.Errorf("get: %+v", got)
	}

	if err := c.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := c.Unsubscribe(sub); err != nil {
		t.Errorf("second unsubscribe should be a no-op, got %v", err)
	}
	if err := c.Unsubscribe(""); !client.HasCode(err, ErrCodeInvalidParams) {
		t.Errorf("empty sub: got %v", err)
	}
}

func TestViewSubscribeDebounced(t *testing.T) {
	n := loggedInNode(t, "alice")
	c := dialView(t, n)

	target := client.Target{Scope: client.ScopeLocal, Path: []string{"unseenTotal"}}
	if _, err := c.SubscribeDebounced(target, 2*time.Hour); !client.HasCode(err, ErrCodeInvalidParams) {
		t.Errorf("oversized debounce: got %v", err)
	}
	// 18446744073710 ms is 2^64 ns plus about half a millisecond, so it
	// wraps to a tiny duration if converted before the bound check
	wrapping := map[string]any{"scope": "local", "path": []string{"unseenTotal"}, "debounce": int64(18446744073710)}
	if _, err := c.Call("subscribe", wrapping); !client.HasCode(err, ErrCodeInvalidParams) {
		t.Errorf("wrapping debounce: got %v", err)
	}
	if _, err := c.SubscribeDebounced(target, 300*time.Millisecond); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, v := range []string{"1", "2", "3"} {
		if _, err := c.Put(target, json.RawMessage(v)); err != nil {
			t.Fatalf("put %s: %v", v, err)
		}
	}

	// the burst coalesces, so "3" arrives within two deliveries
	for i := 0; i < 2; i++ {
		var v client.Value
		ev := nextEvent(t, c, "value")
		if err := json.Unmarshal(ev.Payload, &v); err != nil {
			t.Fatal(err)
		}
		if v.Found && string(v.Value) == "3" {
			return
		}
	}
	t.Error("debounced subscription did not settle on the last value")
}

func TestViewPublicScope(t *testing.T) {
	n := loggedInNode(t, "alice")
	c := dialView(t, n)

	own := client.Target{Scope: client.ScopePublic, Path: []string{"bio"}}
	if _, err := c.Put(own, json.RawMessage(`"hello"`)); err != nil {
		t.Fatalf("put own public: %v", err)
	}
	if v, err := c.Get(own); err != nil || !v.Found {
		t.Errorf("get own public: %+v, %v", v, err)
	}

	other, err := crypto.GenerateIdentity("mallory")
	if err != nil {
		t.Fatal(err)
	}
	foreign := client.Target{
		Scope: client.ScopePublic,
		Pub:   crypto.EncodePublicKey(other.PublicKey()),
		Path:  []string{"bio"},
	}
	if _, err := c.Put(foreign, json.RawMessage(`"defaced"`)); !client.HasCode(err, client.CodePermission) {
		t.Errorf("write to a foreign namespace: got %v", err)
	}
	if _, err := c.Get(client.Target{Scope: "elsewhere"}); err == nil {
		t.Error("unknown scope should be refused")
	}
	if _, err := c.Call("no.such.method", nil); err == nil {
		t.Error("unknown method should fail")
	}
}

func TestViewInvites(t *testing.T) {
	n := loggedInNode(t, "alice")
	c := dialView(t, n)

	inv, err := c.CreateInvite(time.Hour, true)
	if err != nil {
		t.Fatalf("invite.create: %v", err)
	}
	if !inv.Secret || inv.Token == "" {
		t.Errorf("unexpected invite %+v", inv)
	}
	parsed, err := peer.ParseInvite(inv.Token)
	if err != nil {
		t.Fatalf("token does not parse: %v", err)
	}
	if parsed.ID != inv.Invite.ID || parsed.Peer != n.Session().Identity().Fingerprint() {
		t.Errorf("token carries %+v", parsed)
	}

	if ok, err := c.RevokeInvite(inv.Invite.ID); err != nil || !ok {
		t.Errorf("revoke: %v %v", ok, err)
	}
	if _, err := c.CreateInvite(30*24*time.Hour, false); err == nil {
		t.Error("a month long invite should be refused")
	}
}

func TestViewCatalog(t *testing.T) {
	n := loggedInNode(t, "shop")
	c := dialView(t, n)

	id, err := c.AddProduct(client.Product{Name: "Lamp", Price: 12.5})
	if err != nil {
		t.Fatalf("product.add: %v", err)
	}
	p, err := c.Product("", id)
	if err != nil || p.Name != "Lamp" || p.Price != 12.5 {
		t.Errorf("product.get: %+v, %v", p, err)
	}

	pub := crypto.EncodePublicKey(n.Session().CurrentPublicKey())
	if count, err := c.AddToCart(pub, id); err != nil || count != 1 {
		t.Errorf("cart.add: %d, %v", count, err)
	}
	cart, err := c.Cart()
	if err != nil || cart[pub][id] != 1 {
		t.Errorf("cart.list: %v, %v", cart, err)
	}

	if err := c.DeleteProduct(id); err != nil {
		t.Fatalf("product.delete: %v", err)
	}
	if _, err := c.Product("", id); !client.HasCode(err, client.CodeNotFound) {
		t.Errorf("deleted product: got %v", err)
	}
}

func loopbackAddr(t *testing.T, n *Node) string {
	t.Helper()
	pm, err := n.Peers()
	if err != nil {
		t.Fatal(err)
	}
	_, port, err := net.SplitHostPort(pm.ListenAddr())
	if err != nil {
		t.Fatal(err)
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func TestNodesReplicateOverLink(t *testing.T) {
	alice := loggedInNode(t, "alice")
	bob := loggedInNode(t, "bob")
	ca := dialView(t, alice)
	cb := dialView(t, bob)

	if _, err := cb.ConnectPeer(loopbackAddr(t, alice), alice.Session().Identity().Fingerprint()); err != nil {
		t.Fatalf("peers.connect: %v", err)
	}
	waitFor(t, "links open", func() bool {
		for _, c := range []*client.Client{ca, cb} {
			p, err := c.Peers()
			if err != nil || len(p.Links) != 1 || p.Links[0].State != "open" {
				return false
			}
		}
		return true
	})

	if _, err := ca.Put(client.Target{Scope: client.ScopePublic, Path: []string{"bio"}}, json.RawMessage(`"from alice"`)); err != nil {
		t.Fatal(err)
	}
	if _, err := ca.Put(client.Target{Scope: client.ScopeLocal, Path: []string{"draft"}}, json.RawMessage(`"secret"`)); err != nil {
		t.Fatal(err)
	}

	remote := client.Target{
		Scope: client.ScopePublic,
		Pub:   crypto.EncodePublicKey(alice.Session().CurrentPublicKey()),
		Path:  []string{"bio"},
	}
	waitFor(t, "bio on bob", func() bool {
		v, err := cb.Get(remote)
		return err == nil && v.Found && string(v.Value) == `"from alice"`
	})
	if v, _ := cb.Get(client.Target{Scope: client.ScopeLocal, Path: []string{"draft"}}); v != nil && v.Found {
		t.Error("local data replicated to a peer")
	}

	// bob drops the link; alice's side closes and tells her views
	p, err := cb.Peers()
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.ForgetPeer(p.Links[0].ID); err != nil {
		t.Fatalf("peers.forget: %v", err)
	}
	ev := nextEvent(t, ca, "link.closed")
	var closed client.Link
	if err := json.Unmarshal(ev.Payload, &closed); err != nil {
		t.Fatal(err)
	}
	if closed.PeerID != bob.Session().Identity().Fingerprint() {
		t.Errorf("closed link peer: %+v", closed)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	n := loggedInNode(t, "alice")
	base := "http://" + n.api.Addr()

	var status Status
	getJSON(t, base+"/api/status", &status)
	if !status.LoggedIn || status.Identity != "alice" {
		t.Errorf("unexpected status %+v", status)
	}

	var logs struct {
		Entries []LogEntry `json:"entries"`
		Count   int        `json:"count"`
	}
	getJSON(t, base+"/api/logs?level=info&limit=5", &logs)
	if logs.Count == 0 || logs.Count > 5 {
		t.Errorf("expected up to 5 log entries, got %d", logs.Count)
	}

	var peers map[string]json.RawMessage
	getJSON(t, base+"/api/peers", &peers)
	if _, ok := peers["links"]; !ok {
		t.Errorf("peers response lacks links: %v", peers)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/ws", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign origin upgrade: got %d", resp.StatusCode)
	}
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
