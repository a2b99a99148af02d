package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// APIServer serves the HTTP status endpoints and the websocket view API on
// the loopback interface.
type APIServer struct {
	node     *Node
	addr     string
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	clients  map[*viewClient]bool
}

// NewAPIServer creates the server; it listens once started.
func NewAPIServer(n *Node, addr string) *APIServer {
	s := &APIServer{
		node:    n,
		addr:    addr,
		logger:  n.logger.With("component", "api"),
		clients: make(map[*viewClient]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/api/logs/stats", s.handleLogStats)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// localOrigin admits browser pages served from this machine and non-browser
// clients, which send no Origin.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "http://[::1]"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Start binds the listener and serves in the background
func (s *APIServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("view API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("view API error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *APIServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop closes every view client and shuts the server down
func (s *APIServer) Stop() {
	s.mu.Lock()
	clients := make([]*viewClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.node.Status())
}

func (s *APIServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.node.MetricsSnapshot())
}

func (s *APIServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	pm, err := s.node.Peers()
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	switch r.Method {
	case http.MethodGet:
		jsonResponse(w, map[string]any{
			"links": pm.Links(),
			"saved": pm.SavedPeers(),
		})

	case http.MethodPost:
		var body struct {
			Addr        string `json:"addr"`
			Fingerprint string `json:"fingerprint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id, err := pm.Connect(body.Addr, body.Fingerprint)
		if err != nil {
			errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		jsonResponse(w, map[string]string{"id": id})

	case http.MethodDelete:
		if err := pm.Forget(r.URL.Query().Get("id")); err != nil {
			errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		jsonResponse(w, map[string]bool{"ok": true})

	default:
		errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	opts := QueryOpts{Limit: 500}
	q := r.URL.Query()
	opts.Level = strings.ToUpper(q.Get("level"))
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = &t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			opts.Until = &t
		}
	}
	if p := q.Get("peer"); p != "" {
		opts.Field, opts.Value = "peer", p
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 && n <= 5000 {
			opts.Limit = n
		}
	}

	entries := s.node.LogBuffer().Query(opts)
	jsonResponse(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"total":   s.node.LogBuffer().Count(),
	})
}

func (s *APIServer) handleLogStats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.node.LogBuffer().Stats())
}

func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newViewClient(s, conn)
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	s.logger.Debug("view client connected", "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (s *APIServer) unregister(c *viewClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// ClientCount returns the number of connected view clients
func (s *APIServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends an event to every view client
func (s *APIServer) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshal event", "event", event, "error", err)
		return
	}
	ev := &Event{Event: event, Payload: data}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.sendEvent(ev)
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
