// Package metrics collects operational counters for a node.
package metrics

import (
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects operational metrics for observability
type Metrics struct {
	startTime time.Time

	// Counters (use atomic for lock-free updates)
	MessagesReceived atomic.Int64
	MessagesSent     atomic.Int64
	BytesReceived    atomic.Int64
	BytesSent        atomic.Int64
	DeltasApplied    atomic.Int64
	DeltasStale      atomic.Int64
	DeltasRejected   atomic.Int64
	DiffsServed      atomic.Int64
	LinksOpened      atomic.Int64
	LinksClosed      atomic.Int64
	LinksDegraded    atomic.Int64
	Throttled        atomic.Int64
	MalformedFrames  atomic.Int64
	TLSFailures      atomic.Int64

	// Message counters by type
	msgCountersMu sync.RWMutex
	msgReceived   map[string]int64
	msgSent       map[string]int64

	// Error tracking (ring buffer)
	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int

	// Latency tracking (ring buffers of the last N samples)
	latencyMu        sync.RWMutex
	handshakeLatency []time.Duration
	diffLatency      []time.Duration
	latencyIndex     int
	diffLatencyIndex int
}

// ErrorEntry records an error event
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Peer    string    `json:"peer,omitempty"`
}

// Snapshot is a point-in-time view of all metrics
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System         SystemMetrics  `json:"system"`
	Counters       CounterMetrics `json:"counters"`
	MessagesByType MessageMetrics `json:"messages_by_type"`
	Gauges         GaugeMetrics   `json:"gauges"`
	Latencies      LatencyMetrics `json:"latencies"`
	RecentErrors   []ErrorEntry   `json:"recent_errors"`
}

// SystemMetrics contains runtime information
type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumCPU       int     `json:"num_cpu"`
	NumGoroutine int     `json:"num_goroutine"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemHeapMB    float64 `json:"mem_heap_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// CounterMetrics contains cumulative counters
type CounterMetrics struct {
	MessagesReceived int64 `json:"messages_received"`
	MessagesSent     int64 `json:"messages_sent"`
	BytesReceived    int64 `json:"bytes_received"`
	BytesSent        int64 `json:"bytes_sent"`
	DeltasApplied    int64 `json:"deltas_applied"`
	DeltasStale      int64 `json:"deltas_stale"`
	DeltasRejected   int64 `json:"deltas_rejected"`
	DiffsServed      int64 `json:"diffs_served"`
	LinksOpened      int64 `json:"links_opened"`
	LinksClosed      int64 `json:"links_closed"`
	LinksDegraded    int64 `json:"links_degraded"`
	Throttled        int64 `json:"throttled"`
	MalformedFrames  int64 `json:"malformed_frames"`
	TLSFailures      int64 `json:"tls_failures"`
}

// MessageMetrics breaks down messages by type
type MessageMetrics struct {
	Received map[string]int64 `json:"received"`
	Sent     map[string]int64 `json:"sent"`
}

// GaugeMetrics contains current state values
type GaugeMetrics struct {
	Links         map[string]int `json:"links"` // state -> count
	Subscriptions int            `json:"subscriptions"`
	Souls         int            `json:"souls"`
}

// LatencyMetrics contains latency statistics
type LatencyMetrics struct {
	HandshakeAvgMs float64 `json:"handshake_avg_ms"`
	HandshakeP95Ms float64 `json:"handshake_p95_ms"`
	HandshakeMaxMs float64 `json:"handshake_max_ms"`
	DiffAvgMs      float64 `json:"diff_avg_ms"`
	DiffP95Ms      float64 `json:"diff_p95_ms"`
	DiffMaxMs      float64 `json:"diff_max_ms"`
}

const (
	maxErrorEntries   = 100
	maxLatencySamples = 100
)

// New creates a new metrics collector
func New() *Metrics {
	return &Metrics{
		startTime:        time.Now(),
		msgReceived:      make(map[string]int64),
		msgSent:          make(map[string]int64),
		errors:           make([]ErrorEntry, maxErrorEntries),
		handshakeLatency: make([]time.Duration, maxLatencySamples),
		diffLatency:      make([]time.Duration, maxLatencySamples),
	}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(msgType string, size int) {
	m.MessagesReceived.Add(1)
	m.BytesReceived.Add(int64(size))

	m.msgCountersMu.Lock()
	m.msgReceived[msgType]++
	m.msgCountersMu.Unlock()
}

// RecordMessageSent records a sent message
func (m *Metrics) RecordMessageSent(msgType string, size int) {
	m.MessagesSent.Add(1)
	m.BytesSent.Add(int64(size))

	m.msgCountersMu.Lock()
	m.msgSent[msgType]++
	m.msgCountersMu.Unlock()
}

// RecordError records an error event
func (m *Metrics) RecordError(errType, message, peer string) {
	entry := ErrorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: message,
		Peer:    peer,
	}

	m.errorsMu.Lock()
	m.errors[m.errorIndex] = entry
	m.errorIndex = (m.errorIndex + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

// RecordHandshakeLatency records a handshake duration
func (m *Metrics) RecordHandshakeLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.handshakeLatency[m.latencyIndex] = d
	m.latencyIndex = (m.latencyIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// RecordDiffLatency records how long a full diff exchange took
func (m *Metrics) RecordDiffLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.diffLatency[m.diffLatencyIndex] = d
	m.diffLatencyIndex = (m.diffLatencyIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// Snapshot returns a point-in-time view of all metrics
func (m *Metrics) Snapshot(gauges func() GaugeMetrics) *Snapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.msgCountersMu.RLock()
	received := maps.Clone(m.msgReceived)
	sent := maps.Clone(m.msgSent)
	m.msgCountersMu.RUnlock()

	// newest first
	m.errorsMu.RLock()
	recentErrors := make([]ErrorEntry, 0, maxErrorEntries)
	for i := 0; i < maxErrorEntries; i++ {
		idx := (m.errorIndex - 1 - i + maxErrorEntries) % maxErrorEntries
		if !m.errors[idx].Time.IsZero() {
			recentErrors = append(recentErrors, m.errors[idx])
		}
	}
	m.errorsMu.RUnlock()

	var g GaugeMetrics
	if gauges != nil {
		g = gauges()
	}

	return &Snapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   float64(memStats.Alloc) / 1024 / 1024,
			MemHeapMB:    float64(memStats.HeapAlloc) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
		Counters: CounterMetrics{
			MessagesReceived: m.MessagesReceived.Load(),
			MessagesSent:     m.MessagesSent.Load(),
			BytesReceived:    m.BytesReceived.Load(),
			BytesSent:        m.BytesSent.Load(),
			DeltasApplied:    m.DeltasApplied.Load(),
			DeltasStale:      m.DeltasStale.Load(),
			DeltasRejected:   m.DeltasRejected.Load(),
			DiffsServed:      m.DiffsServed.Load(),
			LinksOpened:      m.LinksOpened.Load(),
			LinksClosed:      m.LinksClosed.Load(),
			LinksDegraded:    m.LinksDegraded.Load(),
			Throttled:        m.Throttled.Load(),
			MalformedFrames:  m.MalformedFrames.Load(),
			TLSFailures:      m.TLSFailures.Load(),
		},
		MessagesByType: MessageMetrics{
			Received: received,
			Sent:     sent,
		},
		Gauges:       g,
		Latencies:    m.latencyStats(),
		RecentErrors: recentErrors,
	}
}

func (m *Metrics) latencyStats() LatencyMetrics {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	hs := computeLatencyStats(m.handshakeLatency)
	diff := computeLatencyStats(m.diffLatency)

	return LatencyMetrics{
		HandshakeAvgMs: hs.avg,
		HandshakeP95Ms: hs.p95,
		HandshakeMaxMs: hs.max,
		DiffAvgMs:      diff.avg,
		DiffP95Ms:      diff.p95,
		DiffMaxMs:      diff.max,
	}
}

type latencyStats struct {
	avg, p95, max float64
}

func computeLatencyStats(samples []time.Duration) latencyStats {
	var valid []time.Duration
	for _, d := range samples {
		if d > 0 {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return latencyStats{}
	}

	slices.Sort(valid)
	var total time.Duration
	for _, d := range valid {
		total += d
	}
	avg := total / time.Duration(len(valid))

	p95Index := min(int(float64(len(valid))*0.95), len(valid)-1)

	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return latencyStats{
		avg: ms(avg),
		p95: ms(valid[p95Index]),
		max: ms(valid[len(valid)-1]),
	}
}
