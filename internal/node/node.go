// Package node wires the graph, session, peer manager and view API into
// one running replica.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"ixnay.dev/go/ixnay/internal/config"
	"ixnay.dev/go/ixnay/internal/crypto"
	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/keychain"
	"ixnay.dev/go/ixnay/internal/metrics"
	"ixnay.dev/go/ixnay/internal/peer"
	"ixnay.dev/go/ixnay/internal/session"
	"ixnay.dev/go/ixnay/internal/store"
	"ixnay.dev/go/ixnay/internal/syncproto"
)

// ErrNotLoggedIn is returned by peer operations while no identity is
// unlocked; links only run for a logged-in session.
var ErrNotLoggedIn = errors.New("not logged in")

// Node is one running replica.
type Node struct {
	cfg       *config.Config
	paths     *config.Paths
	logger    *slog.Logger
	logBuffer *LogBuffer
	metrics   *metrics.Metrics
	startTime time.Time

	graph   *graph.Store
	engine  *syncproto.Engine
	session *session.Manager
	catalog *store.Catalog
	api     *APIServer

	mu    sync.RWMutex
	peers *peer.Manager

	ctx    context.Context
	cancel context.CancelFunc
}

// Status represents the node's current status
type Status struct {
	Running       bool      `json:"running"`
	PID           int       `json:"pid"`
	Uptime        string    `json:"uptime"`
	StartTime     time.Time `json:"start_time"`
	LoggedIn      bool      `json:"logged_in"`
	Identity      string    `json:"identity,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	PublicKey     string    `json:"public_key,omitempty"`
	P2PAddr       string    `json:"p2p_addr,omitempty"`
	APIAddr       string    `json:"api_addr,omitempty"`
	Links         int       `json:"links"`
	Souls         int       `json:"souls"`
	Subscriptions int       `json:"subscriptions"`
}

// Options configures the node
type Options struct {
	Config    *config.Config
	Paths     *config.Paths
	Keychain  keychain.Store
	Logger    *slog.Logger
	LogBuffer *LogBuffer
}

// New opens the graph database and builds the node. Nothing listens until
// Start.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Paths == nil {
		return nil, errors.New("node needs config paths")
	}
	buffer := opts.LogBuffer
	if buffer == nil {
		buffer = NewLogBuffer(LogBufferSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Logging, os.Stderr, buffer)
	}
	kc := opts.Keychain
	if kc == nil {
		kc = keychain.NewSystem("")
	}

	var backend graph.Backend = graph.NewMemoryBackend()
	if dbPath := opts.Paths.GraphPath(cfg); dbPath != ":memory:" {
		if err := opts.Paths.EnsureDirectories(); err != nil {
			return nil, err
		}
		db, err := graph.OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		backend = db
	}
	gs, err := graph.Open(graph.WithBackend(backend), graph.WithLogger(logger.With("component", "graph")))
	if err != nil {
		backend.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		paths:     opts.Paths,
		logger:    logger,
		logBuffer: buffer,
		metrics:   metrics.New(),
		startTime: time.Now(),
		graph:     gs,
		engine:    syncproto.New(gs, logger.With("component", "sync")),
		ctx:       ctx,
		cancel:    cancel,
	}
	n.session = session.New(gs, session.Options{
		IdentityFile: opts.Paths.IdentityFile,
		PublicFile:   opts.Paths.IdentityPubFile,
		Name:         cfg.Identity.Name,
		Keychain:     kc,
		Logger:       logger,
	})
	n.session.OnChange(n.onIdentity)
	n.session.ResetViewState()
	n.catalog = store.New(n.session)

	if cfg.Node.APIEnabled {
		n.api = NewAPIServer(n, net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Node.APIPort)))
	}
	return n, nil
}

// Start opens the view API and, when creds are given, logs in, which
// brings up the peer manager.
func (n *Node) Start(creds *session.Credentials) error {
	n.logger.Info("starting node", "config_dir", n.paths.ConfigDir)

	if creds != nil {
		if _, err := n.session.Login(*creds); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	if n.api != nil {
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start view API: %w", err)
		}
	}
	n.logger.Info("node started")
	return nil
}

// Run starts the node and blocks until ctx ends or the process is
// signalled.
func (n *Node) Run(ctx context.Context, creds *session.Credentials) error {
	if err := n.Start(creds); err != nil {
		n.Stop()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		n.logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	case <-n.ctx.Done():
	}
	return n.Stop()
}

// Stop shuts down the API and peers, wipes the key from memory and closes
// the graph database.
func (n *Node) Stop() error {
	n.logger.Info("stopping node")
	n.cancel()

	if n.api != nil {
		n.api.Stop()
	}
	if n.session.LoggedIn() {
		// keeps the persisted identity, stops peers via onIdentity
		if err := n.session.Logout(false); err != nil {
			n.logger.Warn("logout", "error", err)
		}
	}
	n.stopPeers()

	if err := n.graph.Close(); err != nil {
		return fmt.Errorf("close graph: %w", err)
	}
	n.logger.Info("node stopped")
	return nil
}

// onIdentity follows the session: peers run only while logged in, since
// links authenticate with the session key.
func (n *Node) onIdentity(id *crypto.Identity) {
	if id == nil {
		n.stopPeers()
		return
	}
	if err := n.startPeers(id); err != nil {
		n.logger.Error("start peer manager", "error", err)
	}
}

func (n *Node) startPeers(id *crypto.Identity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.peers != nil {
		return nil
	}

	own := graph.NamespaceRoot(id.PublicKey())
	pm, err := peer.NewManager(id, n.engine, peer.Options{
		ListenAddr: net.JoinHostPort("", strconv.Itoa(n.cfg.Node.P2PPort)),
		Name:       id.Name,
		Sync:       n.cfg.Sync,
		PeersFile:  n.paths.PeersFile,
		MDNS:       n.cfg.Discovery.MDNS,
		Bootstrap:  n.cfg.Discovery.Bootstrap,
		Roots:      func() []graph.Soul { return []graph.Soul{own} },
		Metrics:    n.metrics,
		Logger:     n.logger,
	})
	if err != nil {
		return err
	}
	pm.OnLinkClosed(func(info peer.LinkInfo) {
		if n.api != nil {
			n.api.Broadcast(EventLinkClosed, info)
		}
	})
	if err := pm.Start(); err != nil {
		return err
	}
	n.peers = pm
	return nil
}

func (n *Node) stopPeers() {
	n.mu.Lock()
	pm := n.peers
	n.peers = nil
	n.mu.Unlock()

	if pm != nil {
		pm.Stop()
	}
}

// Peers returns the running peer manager.
func (n *Node) Peers() (*peer.Manager, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.peers == nil {
		return nil, ErrNotLoggedIn
	}
	return n.peers, nil
}

// Session returns the login session.
func (n *Node) Session() *session.Manager { return n.session }

// Catalog returns the product catalog helpers.
func (n *Node) Catalog() *store.Catalog { return n.catalog }

// Graph returns the replica.
func (n *Node) Graph() *graph.Store { return n.graph }

// LogBuffer returns the in-memory log ring.
func (n *Node) LogBuffer() *LogBuffer { return n.logBuffer }

// Metrics returns the metrics collector
func (n *Node) Metrics() *metrics.Metrics { return n.metrics }

// Status returns the node's current status
func (n *Node) Status() *Status {
	s := &Status{
		Running:       true,
		PID:           os.Getpid(),
		Uptime:        time.Since(n.startTime).Round(time.Second).String(),
		StartTime:     n.startTime,
		Souls:         len(n.graph.Souls()),
		Subscriptions: n.graph.Hub().Len(),
	}
	if id := n.session.Identity(); id != nil {
		s.LoggedIn = true
		s.Identity = id.Name
		s.Fingerprint = id.Fingerprint()
		s.PublicKey = id.NamespaceKey()
	}
	if pm, err := n.Peers(); err == nil {
		s.P2PAddr = pm.AdvertiseAddr()
		s.Links = len(pm.Links())
	}
	if n.api != nil {
		s.APIAddr = n.api.Addr()
	}
	return s
}

// MetricsSnapshot returns a point-in-time snapshot of all metrics
func (n *Node) MetricsSnapshot() *metrics.Snapshot {
	return n.metrics.Snapshot(func() metrics.GaugeMetrics {
		g := metrics.GaugeMetrics{
			Links:         map[string]int{},
			Subscriptions: n.graph.Hub().Len(),
			Souls:         len(n.graph.Souls()),
		}
		if pm, err := n.Peers(); err == nil {
			g.Links = pm.StateCounts()
		}
		return g
	})
}
