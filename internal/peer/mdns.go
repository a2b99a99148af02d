package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"ixnay.dev/go/ixnay/internal/protocol"
)

const (
	// MDNSServiceType is the mDNS service type for ixnay
	MDNSServiceType = "_ixnay._tcp"

	// MDNSDomain is the mDNS domain
	MDNSDomain = "local."

	// MDNSBrowseInterval is how often to scan for new peers
	MDNSBrowseInterval = 30 * time.Second

	mdnsBrowseWindow = 5 * time.Second
)

// DiscoveredPeer represents a peer found via mDNS
type DiscoveredPeer struct {
	Name         string
	Fingerprint  string
	Host         string
	Port         int
	Version      string
	DiscoveredAt time.Time
}

// Addr returns the dialable host:port.
func (p *DiscoveredPeer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// MDNSService advertises this replica and browses for others on the LAN.
type MDNSService struct {
	instanceName string
	port         int
	fingerprint  string
	name         string
	logger       *slog.Logger

	mu        sync.RWMutex
	running   bool
	server    *zeroconf.Server
	peers     map[string]*DiscoveredPeer // fingerprint -> peer
	callbacks []func(*DiscoveredPeer)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMDNSService creates a new mDNS service
func NewMDNSService(instanceName string, port int, fingerprint, name string, logger *slog.Logger) *MDNSService {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MDNSService{
		instanceName: instanceName,
		port:         port,
		fingerprint:  fingerprint,
		name:         name,
		logger:       logger,
		peers:        make(map[string]*DiscoveredPeer),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts advertising and discovery
func (m *MDNSService) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	if err := m.startAdvertising(); err != nil {
		// discovery still works without advertising
		m.logger.Warn("mDNS advertising failed", "error", err)
	}

	go m.discoveryLoop()
	return nil
}

func (m *MDNSService) txtRecords() []string {
	return []string{
		"fp=" + m.fingerprint,
		"name=" + m.name,
		"v=" + protocol.ProtocolVersion,
	}
}

func (m *MDNSService) startAdvertising() error {
	txt := m.txtRecords()
	server, err := zeroconf.Register(m.instanceName, MDNSServiceType, MDNSDomain, m.port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	m.logger.Info("mDNS service registered", "instance", m.instanceName, "port", m.port)
	return nil
}

func (m *MDNSService) discoveryLoop() {
	m.browse()

	ticker := time.NewTicker(MDNSBrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.browse()
		}
	}
}

func (m *MDNSService) browse() {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		m.logger.Debug("mDNS resolver unavailable", "error", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithTimeout(m.ctx, mdnsBrowseWindow)
	defer cancel()

	go func() {
		for entry := range entries {
			if p := m.parseEntry(entry); p != nil {
				m.record(p)
			}
		}
	}()

	if err := resolver.Browse(ctx, MDNSServiceType, MDNSDomain, entries); err != nil {
		m.logger.Debug("mDNS browse error", "error", err)
	}
	<-ctx.Done()
}

// parseEntry turns a service entry into a peer, or nil for our own
// advertisement and entries without a fingerprint.
func (m *MDNSService) parseEntry(entry *zeroconf.ServiceEntry) *DiscoveredPeer {
	p := &DiscoveredPeer{Port: entry.Port, DiscoveredAt: time.Now()}
	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "fp":
			p.Fingerprint = value
		case "name":
			p.Name = value
		case "v":
			p.Version = value
		}
	}
	if p.Fingerprint == "" || p.Fingerprint == m.fingerprint {
		return nil
	}

	// prefer IPv4
	switch {
	case len(entry.AddrIPv4) > 0:
		p.Host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		p.Host = entry.AddrIPv6[0].String()
	default:
		p.Host = entry.HostName
	}
	if p.Host == "" || p.Port == 0 {
		return nil
	}
	return p
}

func (m *MDNSService) record(p *DiscoveredPeer) {
	m.mu.Lock()
	existing, exists := m.peers[p.Fingerprint]
	m.peers[p.Fingerprint] = p
	callbacks := m.callbacks
	m.mu.Unlock()

	if exists && existing.Addr() == p.Addr() {
		return
	}
	m.logger.Info("mDNS discovered peer", "peer", p.Fingerprint, "name", p.Name, "addr", p.Addr())
	for _, cb := range callbacks {
		go cb(p)
	}
}

// OnPeerDiscovered registers a callback for new or moved peers
func (m *MDNSService) OnPeerDiscovered(callback func(*DiscoveredPeer)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, callback)
	m.mu.Unlock()
}

// Peers returns all discovered peers
func (m *MDNSService) Peers() []*DiscoveredPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*DiscoveredPeer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}

// Stop stops the mDNS service
func (m *MDNSService) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	m.cancel()

	if m.server != nil {
		m.server.Shutdown()
		m.server = nil
	}
}

// localIPs returns non-loopback addresses of interfaces that are up, IPv4
// first.
func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("get interfaces: %w", err)
	}

	var v4, v6 []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			if ipnet.IP.To4() != nil {
				v4 = append(v4, ipnet.IP)
			} else {
				v6 = append(v6, ipnet.IP)
			}
		}
	}
	return append(v4, v6...), nil
}

// instanceName builds an mDNS instance name from the hostname, sanitized
// to lowercase letters, digits and hyphens.
func instanceName(fingerprint string) string {
	hostname, _ := os.Hostname()

	var sanitized strings.Builder
	for _, c := range strings.ToLower(hostname) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			sanitized.WriteRune(c)
		}
	}
	base := sanitized.String()
	if base == "" {
		base = "ixnay"
	}
	return base + "-" + fingerprint[:min(8, len(fingerprint))]
}
