package peer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ixnay.dev/go/ixnay/internal/config"
	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/metrics"
	"ixnay.dev/go/ixnay/internal/protocol"
	"ixnay.dev/go/ixnay/internal/syncproto"
)

// Options configures a Manager.
type Options struct {
	// ListenAddr is where links are accepted, "host:port"; port 0 picks one.
	ListenAddr string

	// AdvertiseAddr is put in handshakes and invites. When empty it is
	// derived from the listener and the local interfaces.
	AdvertiseAddr string

	Name      string
	Sync      config.SyncConfig
	PeersFile string
	MDNS      bool
	Bootstrap []string

	// Roots adds souls to every diff request besides the subscribed roots,
	// typically the session's namespace root.
	Roots func() []graph.Soul

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager handles links to peers and relays graph changes over them
type Manager struct {
	id          *crypto.Identity
	fingerprint string
	engine      *syncproto.Engine
	store       *graph.Store
	opts        Options
	logger      *slog.Logger
	metrics     *metrics.Metrics
	backoff     *backoff
	saved       *savedPeers

	tls       *crypto.TLSConfig
	transport *protocol.Transport
	mdns      *MDNSService

	mu       sync.RWMutex
	links    map[string]*Link // id -> link
	invites  map[string]Invite
	onClosed []func(LinkInfo)
	started  bool
	stopped  bool

	stopBroadcast func()
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewManager creates a manager for identity id replicating engine's store.
// Zero sync settings take the config defaults.
func NewManager(id *crypto.Identity, engine *syncproto.Engine, opts Options) (*Manager, error) {
	if id == nil || id.Destroyed() {
		return nil, errors.New("peer manager needs a live identity")
	}
	if opts.Sync.HeartbeatInterval.Duration <= 0 {
		opts.Sync = config.Default().Sync
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = id.Name
	}

	tc, err := crypto.GenerateTLSConfig(id)
	if err != nil {
		return nil, fmt.Errorf("generate TLS config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		id:          id,
		fingerprint: id.Fingerprint(),
		engine:      engine,
		store:       engine.Store(),
		opts:        opts,
		logger:      opts.Logger.With("component", "peer"),
		metrics:     opts.Metrics,
		backoff:     newBackoff(opts.Sync.BackoffBase.Duration, opts.Sync.BackoffMax.Duration, nil),
		saved:       newSavedPeers(opts.PeersFile),
		tls:         tc,
		links:       make(map[string]*Link),
		invites:     make(map[string]Invite),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start listens for links, begins relaying local changes and connects to
// saved, bootstrap and mDNS peers.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return errors.New("peer manager already started")
	}
	m.started = true
	m.mu.Unlock()

	transport, err := protocol.Listen(m.opts.ListenAddr, m.tls)
	if err != nil {
		return err
	}
	m.transport = transport
	m.logger.Info("listening for peers", "addr", transport.Addr(), "fingerprint", m.fingerprint)

	m.stopBroadcast = m.store.OnChange(m.broadcast)

	m.wg.Add(1)
	go m.acceptLoop()

	if err := m.saved.load(); err != nil {
		m.logger.Warn("load saved peers", "error", err)
	}
	for _, sp := range m.saved.list() {
		m.connect(sp.Addr, sp.Fingerprint, sp.Name, true)
	}

	for _, b := range m.opts.Bootstrap {
		fp, addr, err := config.ParseBootstrap(b)
		if err != nil {
			m.logger.Warn("skip bootstrap peer", "peer", b, "error", err)
			continue
		}
		m.connect(addr, fp, "", false)
	}

	if m.opts.MDNS {
		m.mdns = NewMDNSService(instanceName(m.fingerprint), transport.Port(), m.fingerprint, m.opts.Name, m.logger)
		m.mdns.OnPeerDiscovered(m.onDiscovered)
		if err := m.mdns.Start(); err != nil {
			m.logger.Warn("mDNS unavailable", "error", err)
		}
	}
	return nil
}

// onDiscovered dials LAN peers. Only the side with the smaller fingerprint
// dials so two replicas that find each other open one link.
func (m *Manager) onDiscovered(p *DiscoveredPeer) {
	if m.fingerprint >= p.Fingerprint {
		return
	}
	if l := m.linkByPeer(p.Fingerprint); l != nil {
		return
	}
	m.connect(p.Addr(), p.Fingerprint, p.Name, false)
}

// Stop closes every link and the listener and waits for link goroutines.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	links := m.linkList()
	m.mu.Unlock()

	if m.stopBroadcast != nil {
		m.stopBroadcast()
	}
	m.cancel()
	if m.mdns != nil {
		m.mdns.Stop()
	}
	if m.transport != nil {
		m.transport.Close()
	}
	for _, l := range links {
		l.terminate(errStopped)
	}
	m.wg.Wait()

	if err := m.saved.save(); err != nil {
		m.logger.Warn("save peers", "error", err)
	}
	m.logger.Info("peer manager stopped")
}

// Fingerprint returns this replica's identity fingerprint.
func (m *Manager) Fingerprint() string {
	return m.fingerprint
}

// ListenAddr returns the bound listener address, empty before Start.
func (m *Manager) ListenAddr() string {
	if m.transport == nil {
		return ""
	}
	return m.transport.Addr()
}

// AdvertiseAddr returns the address peers should dial.
func (m *Manager) AdvertiseAddr() string {
	if m.opts.AdvertiseAddr != "" {
		return m.opts.AdvertiseAddr
	}
	if m.transport == nil {
		return ""
	}
	host, port, err := net.SplitHostPort(m.transport.Addr())
	if err != nil {
		return m.transport.Addr()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
		if ips, err := localIPs(); err == nil && len(ips) > 0 {
			host = ips[0].String()
		}
	}
	return net.JoinHostPort(host, port)
}

// OnLinkClosed registers fn for links that close for good, other than by
// Forget, Stop or duplicate resolution. Reports carry the cause in Err.
func (m *Manager) OnLinkClosed(fn func(LinkInfo)) {
	m.mu.Lock()
	m.onClosed = append(m.onClosed, fn)
	m.mu.Unlock()
}

// Links returns a snapshot of all links that are not closed.
func (m *Manager) Links() []LinkInfo {
	m.mu.RLock()
	links := m.linkList()
	m.mu.RUnlock()

	infos := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		infos = append(infos, l.Info())
	}
	slices.SortFunc(infos, func(a, b LinkInfo) int {
		if c := strings.Compare(a.PeerID, b.PeerID); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Link returns the link with the given id.
func (m *Manager) Link(id string) (LinkInfo, bool) {
	m.mu.RLock()
	l, ok := m.links[id]
	m.mu.RUnlock()
	if !ok {
		return LinkInfo{}, false
	}
	return l.Info(), true
}

// StateCounts returns the number of links per state name.
func (m *Manager) StateCounts() map[string]int {
	counts := make(map[string]int)
	for _, info := range m.Links() {
		counts[info.State.String()]++
	}
	return counts
}

// SavedPeers returns the peers reconnected on restart.
func (m *Manager) SavedPeers() []*SavedPeer {
	return m.saved.list()
}

// Forget closes the link with the given id or peer fingerprint and drops
// the peer from peers.json so it is not redialed.
func (m *Manager) Forget(idOrPeer string) error {
	m.mu.RLock()
	var targets []*Link
	peerID := idOrPeer
	if l, ok := m.links[idOrPeer]; ok {
		targets = append(targets, l)
		peerID = l.PeerID()
	}
	for _, l := range m.links {
		if l.PeerID() == idOrPeer && !slices.Contains(targets, l) {
			targets = append(targets, l)
		}
	}
	m.mu.RUnlock()

	saved := m.saved.has(peerID)
	if len(targets) == 0 && !saved {
		return fmt.Errorf("%w: %s", ErrUnknownLink, idOrPeer)
	}
	for _, l := range targets {
		l.terminate(errForgotten)
	}
	return m.saved.remove(peerID)
}

// Connect dials addr in the background and keeps the link up, saving the
// peer for reconnect after restart. fingerprint pins the certificate; when
// empty it is learned from the first handshake. It returns the link id.
func (m *Manager) Connect(addr, fingerprint string) (string, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	l, err := m.connect(addr, fingerprint, "", true)
	if err != nil {
		return "", err
	}
	return l.id, nil
}

func (m *Manager) connect(addr, fingerprint, name string, persist bool) (*Link, error) {
	if fingerprint == m.fingerprint {
		return nil, errors.New("refusing to connect to self")
	}
	if fingerprint != "" {
		if l := m.linkByPeer(fingerprint); l != nil {
			return l, nil
		}
	}
	l, err := m.newLink(fingerprint, name, addr, true, persist)
	if err != nil {
		return nil, err
	}
	m.goLink(l, nil)
	return l, nil
}

func (m *Manager) newLink(peerID, name, addr string, outgoing, persist bool) (*Link, error) {
	l := &Link{
		id:       uuid.NewString(),
		mgr:      m,
		outgoing: outgoing,
		persist:  persist,
		limiter:  newInboundLimiter(m.opts.Sync.MessagesPerSecond, m.opts.Sync.Burst),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		peerID:   peerID,
		name:     name,
		addr:     addr,
		state:    StateDiscovered,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, errStopped
	}
	m.links[l.id] = l
	return l, nil
}

func (m *Manager) goLink(l *Link, conn *protocol.Conn) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLink(l, conn)
	}()
}

// runLink drives a link until it closes for good. A nil conn dials first.
func (m *Manager) runLink(l *Link, conn *protocol.Conn) {
	immediate := true
	for {
		if conn == nil {
			var err error
			if conn, err = m.redial(l, immediate); err != nil {
				m.finish(l, err)
				return
			}
		}
		if err := m.register(l); err != nil {
			conn.Close()
			m.finish(l, err)
			return
		}
		if l.persist {
			info := l.Info()
			if err := m.saved.add(info.PeerID, info.Name, info.Addr); err != nil {
				m.logger.Warn("save peer", "peer", info.PeerID, "error", err)
			}
		}

		cause := l.serve(conn)
		conn = nil
		immediate = false
		if !l.outgoing || !errors.Is(cause, ErrTransportFailure) {
			m.finish(l, cause)
			return
		}
		m.logger.Warn("link lost, reconnecting", "link", l.id, "peer", l.PeerID(), "error", cause)
	}
}

// redial dials l's address with backoff until it succeeds, attempts run
// out, or the link is terminated.
func (m *Manager) redial(l *Link, immediate bool) (*protocol.Conn, error) {
	limit := m.opts.Sync.MaxAttempts
	for {
		l.mu.Lock()
		l.state = StateConnecting
		fails := l.attempts
		addr, peerID := l.addr, l.peerID
		l.mu.Unlock()

		if fails >= limit {
			return nil, fmt.Errorf("%w: gave up on %s after %d attempts", ErrTransportFailure, addr, fails)
		}

		var delay time.Duration
		if !immediate || fails > 0 {
			delay = m.backoff.next(fails)
		}
		l.mu.Lock()
		l.backoff = delay
		l.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-l.done:
			timer.Stop()
			return nil, l.cause()
		case <-m.ctx.Done():
			timer.Stop()
			return nil, errStopped
		}

		conn, hs, err := m.dial(m.ctx, addr, peerID, "", "")
		if err == nil {
			fp := crypto.PublicKeyFingerprint(conn.Peer())
			l.mu.Lock()
			l.peerID = fp
			if hs.Name != "" {
				l.name = hs.Name
			}
			l.mu.Unlock()
			return conn, nil
		}

		l.mu.Lock()
		l.attempts++
		l.mu.Unlock()
		m.metrics.RecordError("dial", err.Error(), addr)
		m.logger.Debug("dial failed", "link", l.id, "addr", addr, "attempt", fails+1, "error", err)
	}
}

func (l *Link) cause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closeCause == nil {
		return errStopped
	}
	return l.closeCause
}

// handshake builds our side of the link handshake.
func (m *Manager) handshake(inviteID string) *protocol.Handshake {
	hs := protocol.NewHandshake(m.opts.Name, m.id.PublicKey(), m.AdvertiseAddr())
	hs.InviteID = inviteID
	return hs
}

// dial opens a TLS connection to addr and runs the link handshake.
func (m *Manager) dial(ctx context.Context, addr, fingerprint, inviteID, secret string) (*protocol.Conn, *protocol.Handshake, error) {
	if m.transport == nil {
		return nil, nil, errors.New("peer manager not started")
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, protocol.HandshakeTimeout)
	defer cancel()

	raw, err := m.transport.Dial(ctx, addr, fingerprint)
	if err != nil {
		m.metrics.TLSFailures.Add(1)
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	peerKey, err := crypto.PeerPublicKey(raw.ConnectionState())
	if err != nil {
		raw.Close()
		return nil, nil, err
	}
	if bytes.Equal(peerKey, m.id.PublicKey()) {
		raw.Close()
		return nil, nil, errors.New("dialed self")
	}

	theirs, err := protocol.DialHandshake(ctx, raw, m.handshake(inviteID), secret)
	if err != nil {
		raw.Close()
		return nil, nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	if !bytes.Equal(theirs.Pubkey, peerKey) {
		raw.Close()
		return nil, nil, ErrIdentityMismatch
	}

	m.metrics.RecordHandshakeLatency(time.Since(start))
	return protocol.NewConn(raw, m.id, peerKey, m.writeTimeout()), theirs, nil
}

func (m *Manager) writeTimeout() time.Duration {
	if d := m.opts.Sync.DegradedTimeout.Duration; d > 0 {
		return d
	}
	return protocol.HandshakeTimeout
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		raw, err := m.transport.Accept(m.ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrTransportClosed) || m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("accept failed", "error", err)
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleIncoming(raw)
		}()
	}
}

func (m *Manager) handleIncoming(raw *tls.Conn) {
	start := time.Now()
	remote := raw.RemoteAddr().String()
	ctx, cancel := context.WithTimeout(m.ctx, protocol.HandshakeTimeout)
	defer cancel()

	if err := raw.HandshakeContext(ctx); err != nil {
		m.metrics.TLSFailures.Add(1)
		m.metrics.RecordError("tls_handshake", err.Error(), remote)
		m.logger.Debug("TLS handshake failed", "addr", remote, "error", err)
		raw.Close()
		return
	}

	peerKey, err := crypto.PeerPublicKey(raw.ConnectionState())
	if err == nil && bytes.Equal(peerKey, m.id.PublicKey()) {
		err = errors.New("connection from self")
	}
	if err != nil {
		m.logger.Debug("rejecting peer", "addr", remote, "error", err)
		raw.Close()
		return
	}

	theirs, err := protocol.AcceptHandshake(ctx, raw, m.handshake(""), m.lookupInvite)
	if err != nil {
		m.metrics.RecordError("handshake", err.Error(), remote)
		m.logger.Warn("handshake failed", "addr", remote, "error", err)
		raw.Close()
		return
	}
	if !bytes.Equal(theirs.Pubkey, peerKey) {
		m.logger.Warn("handshake failed", "addr", remote, "error", ErrIdentityMismatch)
		raw.Close()
		return
	}
	m.metrics.RecordHandshakeLatency(time.Since(start))

	addr := remote
	if theirs.ListenAddr != "" {
		addr = theirs.ListenAddr
	}
	l, err := m.newLink(crypto.PublicKeyFingerprint(peerKey), theirs.Name, addr, false, false)
	if err != nil {
		raw.Close()
		return
	}
	m.runLink(l, protocol.NewConn(raw, m.id, peerKey, m.writeTimeout()))
}

// register admits a freshly connected link, resolving duplicates to the
// same peer: the link dialed by the smaller fingerprint survives on both
// sides.
func (m *Manager) register(l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errStopped
	}

	peerID := l.PeerID()
	for _, other := range m.links {
		if other == l || other.PeerID() != peerID || !other.active() {
			continue
		}
		if m.dialerOf(l) < m.dialerOf(other) {
			m.logger.Debug("replacing duplicate link", "peer", peerID, "old", other.id, "new", l.id)
			other.terminate(errSuperseded)
			continue
		}
		return errSuperseded
	}
	m.links[l.id] = l
	return nil
}

func (m *Manager) dialerOf(l *Link) string {
	if l.outgoing {
		return m.fingerprint
	}
	return l.PeerID()
}

// finish closes l for good and reports it unless the close was asked for.
func (m *Manager) finish(l *Link, cause error) {
	l.markClosed()

	m.mu.Lock()
	delete(m.links, l.id)
	callbacks := slices.Clone(m.onClosed)
	m.mu.Unlock()

	m.metrics.LinksClosed.Add(1)
	info := l.Info()
	info.Err = cause

	quiet := errors.Is(cause, errStopped) || errors.Is(cause, errForgotten) || errors.Is(cause, errSuperseded)
	if quiet {
		m.logger.Debug("link closed", "link", l.id, "peer", info.PeerID, "reason", cause)
		return
	}
	m.logger.Warn("link closed", "link", l.id, "peer", info.PeerID, "error", cause)
	for _, fn := range callbacks {
		fn(info)
	}
}

func (m *Manager) linkByPeer(fingerprint string) *Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.links {
		if l.PeerID() == fingerprint {
			return l
		}
	}
	return nil
}

// linkList must be called with mu held.
func (m *Manager) linkList() []*Link {
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	return links
}

// broadcast relays an applied change to every open or degraded link
// except the one it arrived on. Local souls never leave the replica.
func (m *Manager) broadcast(c graph.Change) {
	if c.Soul.IsLocal() {
		return
	}
	msg, err := syncproto.EncodeDelta(c.Soul, c.Field, c.Entry)
	if err != nil {
		m.logger.Warn("encode delta", "soul", c.Soul, "field", c.Field, "error", err)
		return
	}

	m.mu.RLock()
	links := m.linkList()
	m.mu.RUnlock()

	for _, l := range links {
		if l.id == c.Origin {
			continue
		}
		l.enqueue(msg)
	}
}
