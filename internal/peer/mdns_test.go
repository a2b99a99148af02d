package peer

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestMDNSParseEntry(t *testing.T) {
	m := NewMDNSService("self", 7834, "selfprint", "me", nil)

	entry := zeroconf.NewServiceEntry("bob-laptop", MDNSServiceType, MDNSDomain)
	entry.Port = 7834
	entry.Text = []string{"fp=0011223344556677", "name=bob", "v=1.0.0", "junk"}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	p := m.parseEntry(entry)
	if p == nil {
		t.Fatal("entry should parse")
	}
	if p.Fingerprint != "0011223344556677" || p.Name != "bob" || p.Version != "1.0.0" {
		t.Errorf("unexpected peer %+v", p)
	}
	if p.Addr() != "192.168.1.20:7834" {
		t.Errorf("IPv4 should be preferred, got %s", p.Addr())
	}
}

func TestMDNSParseEntrySkipsSelfAndAnonymous(t *testing.T) {
	m := NewMDNSService("self", 7834, "selfprint", "me", nil)

	self := zeroconf.NewServiceEntry("me", MDNSServiceType, MDNSDomain)
	self.Port = 7834
	self.Text = []string{"fp=selfprint"}
	self.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.2")}
	if m.parseEntry(self) != nil {
		t.Error("own advertisement must be ignored")
	}

	anon := zeroconf.NewServiceEntry("x", MDNSServiceType, MDNSDomain)
	anon.Port = 7834
	anon.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.3")}
	if m.parseEntry(anon) != nil {
		t.Error("entries without a fingerprint must be ignored")
	}
}

func TestMDNSRecordNotifiesOnce(t *testing.T) {
	m := NewMDNSService("self", 7834, "selfprint", "me", nil)
	seen := make(chan *DiscoveredPeer, 4)
	m.OnPeerDiscovered(func(p *DiscoveredPeer) { seen <- p })

	p := &DiscoveredPeer{Fingerprint: "aa", Host: "10.0.0.1", Port: 1}
	m.record(p)
	m.record(&DiscoveredPeer{Fingerprint: "aa", Host: "10.0.0.1", Port: 1})
	m.record(&DiscoveredPeer{Fingerprint: "aa", Host: "10.0.0.1", Port: 2})

	ports := map[int]bool{}
	for i := 0; i < 2; i++ {
		ports[(<-seen).Port] = true
	}
	if !ports[1] || !ports[2] {
		t.Errorf("expected notifications for ports 1 and 2, got %v", ports)
	}
	select {
	case extra := <-seen:
		t.Errorf("unexpected notification %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	if len(m.Peers()) != 1 {
		t.Errorf("expected one tracked peer, got %d", len(m.Peers()))
	}
}

func TestInstanceName(t *testing.T) {
	name := instanceName("0011223344556677")
	if !strings.HasSuffix(name, "-00112233") {
		t.Errorf("instance name should end with the short fingerprint, got %s", name)
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			t.Errorf("invalid character %q in %s", c, name)
		}
	}
}
