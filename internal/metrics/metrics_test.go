package metrics

import (
	"testing"
	"time"
)

func TestMetricsNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.startTime.IsZero() {
		t.Error("startTime should be set")
	}
}

func TestMetricsRecordMessage(t *testing.T) {
	m := New()

	m.RecordMessageReceived("delta", 1024)
	m.RecordMessageReceived("delta", 2048)
	m.RecordMessageReceived("ping", 512)
	m.RecordMessageSent("diff_request", 256)

	if m.MessagesReceived.Load() != 3 {
		t.Errorf("MessagesReceived: got %d, want 3", m.MessagesReceived.Load())
	}
	if m.MessagesSent.Load() != 1 {
		t.Errorf("MessagesSent: got %d, want 1", m.MessagesSent.Load())
	}
	if m.BytesReceived.Load() != 3584 {
		t.Errorf("BytesReceived: got %d, want 3584", m.BytesReceived.Load())
	}

	snap := m.Snapshot(nil)
	if snap.MessagesByType.Received["delta"] != 2 {
		t.Errorf("delta received: got %d, want 2", snap.MessagesByType.Received["delta"])
	}
}

func TestMetricsRecordError(t *testing.T) {
	m := New()

	m.RecordError("tls_handshake", "connection refused", "192.168.1.1:7834")
	m.RecordError("send", "broken pipe", "a1b2c3d4")

	snapshot := m.Snapshot(nil)
	if len(snapshot.RecentErrors) != 2 {
		t.Fatalf("RecentErrors: got %d, want 2", len(snapshot.RecentErrors))
	}
	if snapshot.RecentErrors[0].Type != "send" {
		t.Errorf("First error type: got %s, want send", snapshot.RecentErrors[0].Type)
	}
}

func TestMetricsErrorRingWraps(t *testing.T) {
	m := New()
	for i := 0; i < maxErrorEntries+5; i++ {
		m.RecordError("e", "x", "")
	}
	if n := len(m.Snapshot(nil).RecentErrors); n != maxErrorEntries {
		t.Errorf("RecentErrors: got %d, want %d", n, maxErrorEntries)
	}
}

func TestMetricsRecordLatency(t *testing.T) {
	m := New()

	m.RecordHandshakeLatency(10 * time.Millisecond)
	m.RecordHandshakeLatency(20 * time.Millisecond)
	m.RecordHandshakeLatency(15 * time.Millisecond)
	m.RecordDiffLatency(100 * time.Millisecond)
	m.RecordDiffLatency(200 * time.Millisecond)

	snapshot := m.Snapshot(nil)

	if snapshot.Latencies.HandshakeAvgMs < 14 || snapshot.Latencies.HandshakeAvgMs > 16 {
		t.Errorf("HandshakeAvgMs: got %f, want ~15", snapshot.Latencies.HandshakeAvgMs)
	}
	if snapshot.Latencies.HandshakeMaxMs != 20 {
		t.Errorf("HandshakeMaxMs: got %f, want 20", snapshot.Latencies.HandshakeMaxMs)
	}
	if snapshot.Latencies.DiffAvgMs < 140 || snapshot.Latencies.DiffAvgMs > 160 {
		t.Errorf("DiffAvgMs: got %f, want ~150", snapshot.Latencies.DiffAvgMs)
	}
}

func TestMetricsGauges(t *testing.T) {
	m := New()
	snap := m.Snapshot(func() GaugeMetrics {
		return GaugeMetrics{Links: map[string]int{"open": 2}, Souls: 7}
	})
	if snap.Gauges.Links["open"] != 2 || snap.Gauges.Souls != 7 {
		t.Errorf("unexpected gauges %+v", snap.Gauges)
	}
}
