package peer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"ixnay.dev/go/ixnay/internal/config"
	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/protocol"
	"ixnay.dev/go/ixnay/internal/syncproto"
)

type testNode struct {
	mgr   *Manager
	store *graph.Store
	id    *crypto.Identity
	root  graph.Soul
}

func fastSync() config.SyncConfig {
	return config.SyncConfig{
		HeartbeatInterval:  config.Duration{Duration: 30 * time.Millisecond},
		MissedHeartbeats:   2,
		DegradedTimeout:    config.Duration{Duration: 5 * time.Second},
		BackoffBase:        config.Duration{Duration: 20 * time.Millisecond},
		BackoffMax:         config.Duration{Duration: 200 * time.Millisecond},
		MaxAttempts:        50,
		MalformedThreshold: 3,
		MessagesPerSecond:  0,
		Burst:              0,
	}
}

func newTestNode(t *testing.T, name string, mutate func(*Options)) *testNode {
	t.Helper()
	id, err := crypto.GenerateIdentity(name)
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	store, err := graph.Open()
	if err != nil {
		t.Fatalf("graph.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts := Options{
		ListenAddr: "127.0.0.1:0",
		Name:       name,
		Sync:       fastSync(),
		PeersFile:  filepath.Join(t.TempDir(), "peers.json"),
		Logger:     slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&opts)
	}
	mgr, err := NewManager(id, syncproto.New(store, nil), opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.Stop)

	return &testNode{mgr: mgr, store: store, id: id, root: graph.NamespaceRoot(id.PublicKey())}
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

// linkTo returns the link n holds to peer, if any.
func (n *testNode) linkTo(peer *testNode) (LinkInfo, bool) {
	for _, info := range n.mgr.Links() {
		if info.PeerID == peer.mgr.Fingerprint() {
			return info, true
		}
	}
	return LinkInfo{}, false
}

func waitState(t *testing.T, n, peer *testNode, want State) LinkInfo {
	t.Helper()
	var info LinkInfo
	waitFor(t, "link state "+want.String(), func() bool {
		var ok bool
		info, ok = n.linkTo(peer)
		return ok && info.State == want
	})
	return info
}

func connectPair(t *testing.T, a, b *testNode) {
	t.Helper()
	if _, err := a.mgr.Connect(b.mgr.ListenAddr(), b.mgr.Fingerprint()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, a, b, StateOpen)
	waitState(t, b, a, StateOpen)
}

func hasValue(s *graph.Store, soul graph.Soul, field, want string) bool {
	e, ok := s.Get(soul, field)
	return ok && e.Value.String() == want
}

func TestManagerRelaysChanges(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connectPair(t, a, b)

	if _, err := a.store.Put(a.root, "title", graph.String("alice's shop"), a.id); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitFor(t, "alice's write on bob", func() bool {
		return hasValue(b.store, a.root, "title", "alice's shop")
	})

	if _, err := b.store.Put(b.root, "title", graph.String("bob's shop"), b.id); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitFor(t, "bob's write on alice", func() bool {
		return hasValue(a.store, b.root, "title", "bob's shop")
	})

	want, _ := a.store.Get(a.root, "title")
	got, _ := b.store.Get(a.root, "title")
	if !want.Equal(got) {
		t.Error("replicas should hold the identical signed entry")
	}
}

func TestManagerNeverSendsLocalSouls(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	connectPair(t, a, b)

	if _, err := a.store.Put(graph.LocalRoot, "loggedIn", graph.Bool(true), nil); err != nil {
		t.Fatalf("Put local: %v", err)
	}
	if _, err := a.store.Put(a.root, "marker", graph.Number(1), a.id); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitFor(t, "marker on bob", func() bool {
		_, ok := b.store.Get(a.root, "marker")
		return ok
	})

	for _, soul := range b.store.Souls() {
		if soul.IsLocal() {
			t.Fatalf("local soul %s leaked to peer", soul)
		}
	}
	if sent := a.mgr.metrics.Snapshot(nil).MessagesByType.Sent[string(protocol.MsgDelta)]; sent != 1 {
		t.Errorf("expected exactly one delta sent, got %d", sent)
	}
}

func TestManagerDiffOnOpen(t *testing.T) {
	a := newTestNode(t, "alice", nil)

	products := a.root.Child("store")
	if _, err := a.store.Put(a.root, "store", graph.Ref(products), a.id); err != nil {
		t.Fatal(err)
	}
	if _, err := a.store.Put(products, "name", graph.String("Widget"), a.id); err != nil {
		t.Fatal(err)
	}

	b := newTestNode(t, "bob", func(o *Options) {
		root := a.root
		o.Roots = func() []graph.Soul { return []graph.Soul{root} }
	})

	var mu sync.Mutex
	var seen []string
	sub := b.store.Hub().Subscribe(a.root, []string{"store", "name"}, func(r graph.Resolution) {
		mu.Lock()
		defer mu.Unlock()
		if r.Found {
			seen = append(seen, r.Value.String())
		}
	})
	defer sub.Unsubscribe()

	connectPair(t, b, a)
	waitFor(t, "catch-up diff", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == "Widget"
	})
	waitFor(t, "diff served", func() bool {
		return a.mgr.metrics.DiffsServed.Load() >= 1
	})
}

func TestManagerRelaysBetweenPeersButNotBack(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	hub := newTestNode(t, "hub", nil)
	c := newTestNode(t, "carol", nil)
	connectPair(t, a, hub)
	connectPair(t, c, hub)

	if _, err := a.store.Put(a.root, "news", graph.String("hello"), a.id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relay through hub", func() bool {
		return hasValue(c.store, a.root, "news", "hello")
	})

	time.Sleep(100 * time.Millisecond)
	if n := a.mgr.metrics.DeltasApplied.Load() + a.mgr.metrics.DeltasStale.Load(); n != 0 {
		t.Errorf("hub echoed %d deltas back to their origin", n)
	}
}

// pausableProxy forwards TCP traffic and can hold it or cut every
// connection, simulating a stalled or broken network.
type pausableProxy struct {
	ln     net.Listener
	target string

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	conns  []net.Conn
}

func newPausableProxy(t *testing.T, target string) *pausableProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &pausableProxy{ln: ln, target: target}
	p.cond = sync.NewCond(&p.mu)
	t.Cleanup(func() {
		ln.Close()
		p.resume()
		p.cut()
	})
	go p.serve()
	return p
}

func (p *pausableProxy) Addr() string { return p.ln.Addr().String() }

func (p *pausableProxy) serve() {
	for {
		in, err := p.ln.Accept()
		if err != nil {
			return
		}
		out, err := net.Dial("tcp", p.target)
		if err != nil {
			in.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, in, out)
		p.mu.Unlock()
		go p.pipe(out, in)
		go p.pipe(in, out)
	}
}

func (p *pausableProxy) pipe(dst, src net.Conn) {
	defer dst.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			p.mu.Lock()
			for p.paused {
				p.cond.Wait()
			}
			p.mu.Unlock()
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				src.Close()
			}
			return
		}
	}
}

func (p *pausableProxy) pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *pausableProxy) resume() {
	p.mu.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pausableProxy) cut() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func TestDegradedLinkQueuesAndRecovers(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	proxy := newPausableProxy(t, b.mgr.ListenAddr())

	if _, err := a.mgr.Connect(proxy.Addr(), b.mgr.Fingerprint()); err != nil {
		t.Fatal(err)
	}
	waitState(t, a, b, StateOpen)
	waitState(t, b, a, StateOpen)

	var mu sync.Mutex
	var arrived []string
	cancel := b.store.OnChange(func(c graph.Change) {
		if c.Origin == graph.OriginLocal || c.Soul != a.root {
			return
		}
		mu.Lock()
		arrived = append(arrived, c.Field)
		mu.Unlock()
	})
	defer cancel()

	fields := []string{"first", "second", "third"}
	var fired []string
	for _, f := range fields {
		sub := b.store.At(a.root, nil).Get(f).On(func(r graph.Resolution) {
			if !r.Found {
				return
			}
			mu.Lock()
			fired = append(fired, r.Value.String())
			mu.Unlock()
		})
		defer sub.Unsubscribe()
	}

	proxy.pause()
	waitState(t, a, b, StateDegraded)

	for _, f := range fields {
		if _, err := a.store.Put(a.root, f, graph.String(f), a.id); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "three queued deltas", func() bool {
		info, ok := a.linkTo(b)
		return ok && info.Queued == 3
	})
	mu.Lock()
	if len(arrived) != 0 || len(fired) != 0 {
		t.Errorf("nothing should arrive while degraded, got %v and %v", arrived, fired)
	}
	mu.Unlock()

	proxy.resume()
	waitState(t, a, b, StateOpen)
	waitFor(t, "flushed deltas", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(arrived) == 3 && len(fired) == 3
	})
	// give a duplicate delivery the chance to show up
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(arrived, fields) {
		t.Fatalf("deltas out of order: %v", arrived)
	}
	if !slices.Equal(fired, fields) {
		t.Fatalf("subscriptions should fire exactly once each, in order: %v", fired)
	}
	if a.mgr.metrics.LinksDegraded.Load() == 0 {
		t.Error("degradation should be counted")
	}
}

func TestLinkReconnectsAfterTransportFailure(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)
	proxy := newPausableProxy(t, b.mgr.ListenAddr())

	id, err := a.mgr.Connect(proxy.Addr(), b.mgr.Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	first := waitState(t, a, b, StateOpen)

	proxy.cut()
	waitFor(t, "reconnected link", func() bool {
		info, ok := a.mgr.Link(id)
		return ok && info.State == StateOpen && info.ConnectedAt.After(first.ConnectedAt)
	})

	if _, err := a.store.Put(a.root, "after", graph.Bool(true), a.id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delta after reconnect", func() bool {
		_, ok := b.store.Get(a.root, "after")
		return ok
	})

	info, _ := a.mgr.Link(id)
	if info.Attempts != 0 {
		t.Errorf("attempts should reset on open, got %d", info.Attempts)
	}
}

func TestBackoffExhaustionClosesLink(t *testing.T) {
	a := newTestNode(t, "alice", func(o *Options) {
		o.Sync.MaxAttempts = 3
		o.Sync.BackoffBase = config.Duration{Duration: 5 * time.Millisecond}
		o.Sync.BackoffMax = config.Duration{Duration: 20 * time.Millisecond}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()

	closed := make(chan LinkInfo, 1)
	a.mgr.OnLinkClosed(func(info LinkInfo) { closed <- info })

	id, err := a.mgr.Connect(dead, "")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case info := <-closed:
		if info.ID != id {
			t.Errorf("closed link %s, want %s", info.ID, id)
		}
		if info.State != StateClosed {
			t.Errorf("state: got %s, want closed", info.State)
		}
		if !errors.Is(info.Err, ErrTransportFailure) {
			t.Errorf("cause should be a transport failure, got %v", info.Err)
		}
		if info.Attempts != 3 {
			t.Errorf("attempts: got %d, want 3", info.Attempts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("link was never closed")
	}

	if _, ok := a.mgr.Link(id); ok {
		t.Error("closed link should be dropped from the manager")
	}
}

func TestIncomingLinkClosesWithoutRedial(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)

	closed := make(chan LinkInfo, 1)
	b.mgr.OnLinkClosed(func(info LinkInfo) { closed <- info })

	connectPair(t, a, b)
	if err := a.mgr.Forget(b.mgr.Fingerprint()); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	select {
	case info := <-closed:
		if info.Outgoing {
			t.Error("bob's side of the link is incoming")
		}
		if !errors.Is(info.Err, ErrTransportFailure) {
			t.Errorf("cause: %v", info.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("incoming link should close when the dialer goes away")
	}

	if len(b.mgr.Links()) != 0 {
		t.Error("bob should not redial an incoming-only link")
	}
	if len(a.mgr.SavedPeers()) != 0 {
		t.Error("forgotten peer should leave peers.json")
	}
}

func TestMalformedThresholdTearsDownLink(t *testing.T) {
	b := newTestNode(t, "bob", nil)
	closed := make(chan LinkInfo, 1)
	b.mgr.OnLinkClosed(func(info LinkInfo) { closed <- info })

	attacker, err := crypto.GenerateIdentity("mallory")
	if err != nil {
		t.Fatal(err)
	}
	tc, err := crypto.GenerateTLSConfig(attacker)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := protocol.Listen("127.0.0.1:0", tc)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := tr.Dial(ctx, b.mgr.ListenAddr(), b.mgr.Fingerprint())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	hs := protocol.NewHandshake("mallory", attacker.PublicKey(), "")
	if _, err := protocol.DialHandshake(ctx, raw, hs, ""); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	framer := protocol.NewFramer(raw, raw)
	for i := 0; i <= fastSync().MalformedThreshold; i++ {
		if err := framer.WriteRaw([]byte(`{"type":`)); err != nil {
			t.Fatalf("write garbage: %v", err)
		}
	}

	select {
	case info := <-closed:
		if !errors.Is(info.Err, errMisbehaving) {
			t.Errorf("cause: got %v, want misbehaving", info.Err)
		}
		if info.Malformed != fastSync().MalformedThreshold+1 {
			t.Errorf("malformed count: got %d", info.Malformed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("link should be torn down after too many malformed frames")
	}
}

func TestDuplicateLinksCollapse(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	b := newTestNode(t, "bob", nil)

	a.mgr.Connect(b.mgr.ListenAddr(), b.mgr.Fingerprint())
	b.mgr.Connect(a.mgr.ListenAddr(), a.mgr.Fingerprint())

	waitFor(t, "a single open link on each side", func() bool {
		la, lb := a.mgr.Links(), b.mgr.Links()
		return len(la) == 1 && len(lb) == 1 && la[0].State == StateOpen && lb[0].State == StateOpen
	})

	if _, err := a.store.Put(a.root, "x", graph.Number(1), a.id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delta over the surviving link", func() bool {
		_, ok := b.store.Get(a.root, "x")
		return ok
	})
}

func TestConnectRejectsSelf(t *testing.T) {
	a := newTestNode(t, "alice", nil)
	if _, err := a.mgr.Connect(a.mgr.ListenAddr(), a.mgr.Fingerprint()); err == nil {
		t.Error("connecting to our own fingerprint should fail")
	}
	if _, err := a.mgr.Connect("no-port", ""); err == nil {
		t.Error("address without port should fail")
	}
}

func TestSavedPeersReconnectAfterRestart(t *testing.T) {
	b := newTestNode(t, "bob", nil)
	peers := filepath.Join(t.TempDir(), "peers.json")

	a := newTestNode(t, "alice", func(o *Options) { o.PeersFile = peers })
	connectPair(t, a, b)
	a.mgr.Stop()

	restarted := newTestNode(t, "alice2", func(o *Options) { o.PeersFile = peers })
	waitState(t, restarted, b, StateOpen)
}
