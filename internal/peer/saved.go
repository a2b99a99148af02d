package peer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const savedPeersVersion = 1

// SavedPeer represents a peer that should be reconnected on restart
type SavedPeer struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	Addr        string    `json:"addr"`
	AddedAt     time.Time `json:"added_at"`
	LastSeen    time.Time `json:"last_seen,omitempty"`
}

// SavedPeersFile represents the peers.json file structure
type SavedPeersFile struct {
	Version int          `json:"version"`
	Peers   []*SavedPeer `json:"peers"`
}

// savedPeers is the in-memory copy of peers.json. An empty path keeps
// peers in memory only.
type savedPeers struct {
	path string

	mu    sync.RWMutex
	peers map[string]*SavedPeer // fingerprint -> peer
}

func newSavedPeers(path string) *savedPeers {
	return &savedPeers{path: path, peers: make(map[string]*SavedPeer)}
}

// load reads peers.json; a missing file is not an error.
func (s *savedPeers) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read peers file: %w", err)
	}

	var file SavedPeersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal peers: %w", err)
	}

	s.mu.Lock()
	for _, sp := range file.Peers {
		if sp == nil || sp.Fingerprint == "" || sp.Addr == "" {
			continue
		}
		s.peers[sp.Fingerprint] = sp
	}
	s.mu.Unlock()
	return nil
}

func (s *savedPeers) save() error {
	if s.path == "" {
		return nil
	}

	file := &SavedPeersFile{Version: savedPeersVersion, Peers: s.list()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal peers: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create peers directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write peers file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace peers file: %w", err)
	}
	return nil
}

// add records or refreshes a peer and persists the list.
func (s *savedPeers) add(fingerprint, name, addr string) error {
	s.mu.Lock()
	if sp, ok := s.peers[fingerprint]; ok {
		sp.Addr = addr
		if name != "" {
			sp.Name = name
		}
		sp.LastSeen = time.Now()
	} else {
		s.peers[fingerprint] = &SavedPeer{
			Name:        name,
			Fingerprint: fingerprint,
			Addr:        addr,
			AddedAt:     time.Now(),
		}
	}
	s.mu.Unlock()
	return s.save()
}

func (s *savedPeers) remove(fingerprint string) error {
	s.mu.Lock()
	_, ok := s.peers[fingerprint]
	delete(s.peers, fingerprint)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.save()
}

func (s *savedPeers) touch(fingerprint string) {
	s.mu.Lock()
	if sp, ok := s.peers[fingerprint]; ok {
		sp.LastSeen = time.Now()
	}
	s.mu.Unlock()
}

func (s *savedPeers) has(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[fingerprint]
	return ok
}

// list returns copies sorted by fingerprint.
func (s *savedPeers) list() []*SavedPeer {
	s.mu.RLock()
	peers := make([]*SavedPeer, 0, len(s.peers))
	for _, sp := range s.peers {
		c := *sp
		peers = append(peers, &c)
	}
	s.mu.RUnlock()

	slices.SortFunc(peers, func(a, b *SavedPeer) int {
		return strings.Compare(a.Fingerprint, b.Fingerprint)
	})
	return peers
}
