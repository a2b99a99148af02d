package graph

import (
	"sync"
)

// Record is one persisted field.
type Record struct {
	Soul  Soul
	Field string
	Entry Entry
}

// Backend persists applied entries. The store keeps its own in-memory
// index and only writes through; Load is called once at open.
type Backend interface {
	Load(fn func(Record) error) error
	Save(r Record) error
	Close() error
}

// MemoryBackend keeps records in process memory. Reopening a store over the
// same MemoryBackend behaves like a restart.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[Soul]map[string]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[Soul]map[string]Entry)}
}

func (m *MemoryBackend) Load(fn func(Record) error) error {
	m.mu.Lock()
	var all []Record
	for soul, fields := range m.records {
		for field, e := range fields {
			all = append(all, Record{Soul: soul, Field: field, Entry: e})
		}
	}
	m.mu.Unlock()

	for _, r := range all {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Save(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields := m.records[r.Soul]
	if fields == nil {
		fields = make(map[string]Entry)
		m.records[r.Soul] = fields
	}
	fields[r.Field] = r.Entry
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
