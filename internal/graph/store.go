// Package graph is the replicated graph store: per-field last-write-wins
// entries, signed namespaces, reference traversal and live subscriptions.
package graph

import (
	"bytes"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"ixnay.dev/go/ixnay/internal/crypto"
)

// OriginLocal tags changes made through Put on this replica.
const OriginLocal = ""

// Change describes one applied entry.
type Change struct {
	Soul     Soul
	Field    string
	Entry    Entry
	Previous Entry
	Existed  bool
	// Origin is the link the entry arrived on, or OriginLocal.
	Origin string
}

// Visible reports whether the change altered what readers see.
func (c Change) Visible() bool {
	return !c.Existed || !c.Previous.Value.Equal(c.Entry.Value)
}

// MergeResult reports the outcome of Merge.
type MergeResult struct {
	Applied bool
}

// Store holds the local replica. All mutation goes through Put and Merge.
type Store struct {
	mu      sync.RWMutex
	nodes   map[Soul]map[string]Entry
	clock   *Clock
	backend Backend
	logger  *slog.Logger

	hub  *Hub
	disp dispatcher

	lmu       sync.Mutex
	listeners map[uint64]func(Change)
	nextLID   uint64
}

// Option configures a Store.
type Option func(*Store)

// WithBackend persists entries to b. Without it the store keeps nothing
// across restarts.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithClock replaces the wall-clock seeded state source.
func WithClock(c *Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger used for persistence and merge warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open builds a store and loads whatever the backend holds.
func Open(opts ...Option) (*Store, error) {
	s := &Store{
		nodes:     make(map[Soul]map[string]Entry),
		listeners: make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = NewClock()
	}
	if s.backend == nil {
		s.backend = NewMemoryBackend()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.hub = newHub(s)

	loaded := 0
	err := s.backend.Load(func(r Record) error {
		s.set(r.Soul, r.Field, r.Entry)
		loaded++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	s.logger.Debug("graph loaded", "entries", loaded)

	return s, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Hub returns the subscription hub bound to this store.
func (s *Store) Hub() *Hub {
	return s.hub
}

func (s *Store) set(soul Soul, field string, e Entry) {
	fields := s.nodes[soul]
	if fields == nil {
		fields = make(map[string]Entry)
		s.nodes[soul] = fields
	}
	fields[field] = e
}

func checkKey(soul Soul, field string) error {
	if soul == "" || field == "" {
		return fmt.Errorf("%w: %q.%q", ErrInvalidKey, soul, field)
	}
	return nil
}

// Put writes value at soul.field with a fresh state. Under a namespace the
// signer must hold the namespace key. Local souls are never signed.
func (s *Store) Put(soul Soul, field string, value Value, signer crypto.Signer) (Entry, error) {
	if err := checkKey(soul, field); err != nil {
		return Entry{}, err
	}
	if err := value.validate(); err != nil {
		return Entry{}, err
	}
	if owner, ok := soul.Owner(); ok {
		if signer == nil || owner == nil || !bytes.Equal(signer.PublicKey(), owner) {
			return Entry{}, fmt.Errorf("%w: %s", ErrUnauthorized, soul.Root())
		}
	}

	s.mu.Lock()
	cur, existed := s.nodes[soul][field]
	state, err := s.clock.Next(cur.State)
	if err != nil {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%s.%s: %w", soul, field, err)
	}
	e := Entry{Value: value, State: state}
	if signer != nil && !soul.IsLocal() {
		if e, err = SignEntry(soul, field, e, signer); err != nil {
			s.mu.Unlock()
			return Entry{}, err
		}
	}
	if err := s.apply(Change{Soul: soul, Field: field, Entry: e, Previous: cur, Existed: existed, Origin: OriginLocal}); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	s.mu.Unlock()

	s.disp.drain()
	return e, nil
}

// Merge applies an entry received from elsewhere. The signature is checked
// before anything else, then the state must be admissible to the local
// clock (ErrFutureState otherwise); losing the tie break is not an error.
func (s *Store) Merge(soul Soul, field string, e Entry, origin string) (MergeResult, error) {
	if err := checkKey(soul, field); err != nil {
		return MergeResult{}, err
	}
	if err := e.Value.validate(); err != nil {
		return MergeResult{}, err
	}
	if err := VerifyEntry(soul, field, e); err != nil {
		return MergeResult{}, err
	}
	if err := s.clock.Admit(e.State); err != nil {
		return MergeResult{}, err
	}

	s.mu.Lock()
	cur, existed := s.nodes[soul][field]
	if existed && !wins(e, cur) {
		s.mu.Unlock()
		return MergeResult{Applied: false}, nil
	}
	if err := s.apply(Change{Soul: soul, Field: field, Entry: e, Previous: cur, Existed: existed, Origin: origin}); err != nil {
		s.mu.Unlock()
		return MergeResult{}, err
	}
	s.mu.Unlock()

	s.disp.drain()
	return MergeResult{Applied: true}, nil
}

// apply persists and installs a change and queues its notifications.
// Callers hold s.mu.
func (s *Store) apply(c Change) error {
	if err := s.backend.Save(Record{Soul: c.Soul, Field: c.Field, Entry: c.Entry}); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	s.set(c.Soul, c.Field, c.Entry)

	s.disp.enqueue(func() {
		if c.Visible() {
			s.hub.dispatch(c)
		}
		s.notifyListeners(c)
	})
	return nil
}

// Get returns the current entry for soul.field.
func (s *Store) Get(soul Soul, field string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.nodes[soul][field]
	return e, ok
}

// Node returns a copy of every field stored under soul.
func (s *Store) Node(soul Soul) map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.nodes[soul]
	if !ok {
		return nil
	}
	return maps.Clone(fields)
}

// Souls returns every soul held locally, sorted.
func (s *Store) Souls() []Soul {
	s.mu.RLock()
	souls := slices.Collect(maps.Keys(s.nodes))
	s.mu.RUnlock()
	slices.Sort(souls)
	return souls
}

// Resolution is the outcome of walking a path.
type Resolution struct {
	// Found is false for dangling or tombstoned paths.
	Found bool
	// Soul is the node that holds the final field.
	Soul  Soul
	Field string
	Value Value
	State State
}

// Node returns the soul the path points at when the final value is a reference.
func (r Resolution) Node() (Soul, bool) {
	if !r.Found {
		return "", false
	}
	return r.Value.Soul()
}

func (r Resolution) same(o Resolution) bool {
	return r.Found == o.Found && r.Soul == o.Soul && r.Field == o.Field && r.Value.Equal(o.Value)
}

type hop struct {
	soul  Soul
	field string
}

// Traverse resolves fields from root one segment at a time, following
// references. An empty path resolves to the root node itself.
func (s *Store) Traverse(root Soul, fields ...string) Resolution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, _ := s.traverseLocked(root, fields)
	return res
}

func (s *Store) traverseLocked(root Soul, fields []string) (Resolution, []hop) {
	if len(fields) == 0 {
		return Resolution{Found: true, Value: Ref(root)}, nil
	}

	hops := make([]hop, 0, len(fields))
	cur := root
	for i, f := range fields {
		hops = append(hops, hop{cur, f})
		e, ok := s.nodes[cur][f]
		if !ok || e.Value.IsNull() {
			return Resolution{Soul: cur, Field: f}, hops
		}
		if i == len(fields)-1 {
			return Resolution{Found: true, Soul: cur, Field: f, Value: e.Value, State: e.State}, hops
		}
		next, isRef := e.Value.Soul()
		if !isRef {
			return Resolution{Soul: cur, Field: f}, hops
		}
		cur = next
	}
	panic("unreachable")
}

// OnChange registers fn for every applied change, visible or not, in apply
// order. The returned func removes it.
func (s *Store) OnChange(fn func(Change)) (cancel func()) {
	s.lmu.Lock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notifyListeners(c Change) {
	s.lmu.Lock()
	ids := slices.Sorted(maps.Keys(s.listeners))
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// dispatcher runs notification jobs one at a time in enqueue order. Jobs
// enqueued while a job is running, including from inside a callback, are
// run by the goroutine already draining, after the current job returns.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (d *dispatcher) enqueue(job func()) {
	d.mu.Lock()
	d.queue = append(d.queue, job)
	d.mu.Unlock()
}

func (d *dispatcher) drain() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	for len(d.queue) > 0 {
		job := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		job()
		d.mu.Lock()
	}
	d.running = false
	d.mu.Unlock()
}
