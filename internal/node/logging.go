package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"ixnay.dev/go/ixnay/internal/config"
)

// LogBufferSize is the default number of log entries to keep
const LogBufferSize = 10000

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer is a thread-safe ring buffer for log entries
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	count   int
}

// NewLogBuffer creates a buffer with the given capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = LogBufferSize
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Add appends a log entry, evicting the oldest when full
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// QueryOpts specifies log query parameters
type QueryOpts struct {
	Since *time.Time
	Until *time.Time
	Level string // returns this level and above
	Field string // only entries carrying this field, e.g. "peer"
	Value string // with this value, when set
	Limit int    // newest entries win when limited
}

// Query returns matching entries oldest first
func (b *LogBuffer) Query(opts QueryOpts) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if b.count == len(b.entries) {
		start = b.head
	}

	results := make([]LogEntry, 0)
	for i := 0; i < b.count; i++ {
		entry := b.entries[(start+i)%len(b.entries)]
		if opts.Since != nil && entry.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && entry.Timestamp.After(*opts.Until) {
			continue
		}
		if opts.Level != "" && !matchesLevel(entry.Level, opts.Level) {
			continue
		}
		if opts.Field != "" {
			v, ok := entry.Fields[opts.Field]
			if !ok || (opts.Value != "" && fmt.Sprint(v) != opts.Value) {
				continue
			}
		}
		results = append(results, entry)
	}

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[len(results)-opts.Limit:]
	}
	return results
}

// Count returns the number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Stats counts buffered entries per level
func (b *LogBuffer) Stats() map[string]int {
	stats := map[string]int{"total": 0, "debug": 0, "info": 0, "warn": 0, "error": 0}
	for _, e := range b.Query(QueryOpts{}) {
		stats["total"]++
		stats[strings.ToLower(e.Level)]++
	}
	return stats
}

var levelOrder = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// matchesLevel returns true if entryLevel is at or above filterLevel
func matchesLevel(entryLevel, filterLevel string) bool {
	entryVal, ok1 := levelOrder[entryLevel]
	filterVal, ok2 := levelOrder[strings.ToUpper(filterLevel)]
	if !ok1 || !ok2 {
		return true
	}
	return entryVal >= filterVal
}

// BufferedHandler is an slog.Handler that records into a LogBuffer and
// passes records on to another handler.
type BufferedHandler struct {
	buffer *LogBuffer
	next   slog.Handler
	attrs  []slog.Attr
	group  string
}

// NewBufferedHandler creates a handler that captures logs to the buffer
func NewBufferedHandler(buffer *LogBuffer, next slog.Handler) *BufferedHandler {
	return &BufferedHandler{buffer: buffer, next: next}
}

func (h *BufferedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *BufferedHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, attr := range h.attrs {
		fields[attr.Key] = fieldValue(attr.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fields[key] = fieldValue(a.Value)
		return true
	})

	h.buffer.Add(LogEntry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Fields:    fields,
	})
	return h.next.Handle(ctx, r)
}

// fieldValue keeps errors and stringers readable once JSON encoded.
func fieldValue(v slog.Value) any {
	v = v.Resolve()
	switch x := v.Any().(type) {
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}

func (h *BufferedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		attrs:  append(slices.Clip(h.attrs), attrs...),
		group:  h.group,
	}
}

func (h *BufferedHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		group:  group,
	}
}

// NewLogger builds the process logger from the logging config. Records go
// to w in the configured format and, when buffer is set, into buffer.
func NewLogger(cfg config.LoggingConfig, w io.Writer, buffer *LogBuffer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if buffer != nil {
		handler = NewBufferedHandler(buffer, handler)
	}
	return slog.New(handler)
}
