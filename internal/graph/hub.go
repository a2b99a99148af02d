package graph

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Hub delivers path resolutions to subscribers whenever a (soul, field) on
// the path changes. Deliveries run on the store's dispatcher, so they are
// ordered by local apply time and never run concurrently with each other.
type Hub struct {
	store *Store

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	byHop  map[hop]map[uint64]*Subscription
	nextID uint64
}

func newHub(s *Store) *Hub {
	return &Hub{
		store: s,
		subs:  make(map[uint64]*Subscription),
		byHop: make(map[hop]map[uint64]*Subscription),
	}
}

// Subscription is a live subscription handle.
type Subscription struct {
	id     uint64
	hub    *Hub
	root   Soul
	fields []string
	cb     func(Resolution)
	closed atomic.Bool

	// touched only on the dispatcher
	hops      []hop
	last      Resolution
	delivered bool

	wait    time.Duration
	tmu     sync.Mutex
	timer   *time.Timer
	pending Resolution
}

// Root and Fields describe the subscribed path.
func (s *Subscription) Root() Soul { return s.root }
func (s *Subscription) Fields() []string { return slices.Clone(s.fields) }

// Subscribe delivers the current resolution of root/fields, then again on
// every change to it.
func (h *Hub) Subscribe(root Soul, fields []string, cb func(Resolution)) *Subscription {
	return h.subscribe(root, fields, 0, cb)
}

// SubscribeDebounced coalesces deliveries: cb gets the latest resolution
// once wait has passed without further changes.
func (h *Hub) SubscribeDebounced(root Soul, fields []string, wait time.Duration, cb func(Resolution)) *Subscription {
	return h.subscribe(root, fields, wait, cb)
}

func (h *Hub) subscribe(root Soul, fields []string, wait time.Duration, cb func(Resolution)) *Subscription {
	sub := &Subscription{
		hub:    h,
		root:   root,
		fields: slices.Clone(fields),
		cb:     cb,
		wait:   wait,
	}

	h.mu.Lock()
	sub.id = h.nextID
	h.nextID++
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.store.disp.enqueue(func() { h.refresh(sub, nil) })
	h.store.disp.drain()
	return sub
}

// Unsubscribe stops deliveries. Calling it more than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	delete(h.subs, sub.id)
	for _, hp := range sub.hops {
		h.unindex(hp, sub.id)
	}
	h.mu.Unlock()

	sub.tmu.Lock()
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.tmu.Unlock()
}

// Unsubscribe is shorthand for Hub().Unsubscribe(s).
func (s *Subscription) Unsubscribe() {
	s.hub.Unsubscribe(s)
}

func (h *Hub) unindex(hp hop, id uint64) {
	set := h.byHop[hp]
	delete(set, id)
	if len(set) == 0 {
		delete(h.byHop, hp)
	}
}

// Roots returns the distinct root souls of live subscriptions.
func (h *Hub) Roots() []Soul {
	h.mu.Lock()
	seen := make(map[Soul]struct{})
	for _, sub := range h.subs {
		seen[sub.root] = struct{}{}
	}
	h.mu.Unlock()
	return slices.Sorted(maps.Keys(seen))
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// dispatch runs on the dispatcher for each visible change.
func (h *Hub) dispatch(c Change) {
	key := hop{c.Soul, c.Field}

	h.mu.Lock()
	set := h.byHop[key]
	ids := slices.Sorted(maps.Keys(set))
	subs := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, set[id])
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.refresh(sub, &c)
	}
}

// refresh recomputes a subscription's resolution and delivers it if it
// differs from the last delivery. When c is the final hop of a fully
// walked path its entry is used directly so each change is seen even if the
// store has already moved on.
func (h *Hub) refresh(sub *Subscription, c *Change) {
	if sub.closed.Load() {
		return
	}

	var res Resolution
	leaf := c != nil && len(sub.hops) == len(sub.fields) && len(sub.hops) > 0 &&
		sub.hops[len(sub.hops)-1] == (hop{c.Soul, c.Field})

	if leaf {
		res = Resolution{Soul: c.Soul, Field: c.Field}
		if !c.Entry.Value.IsNull() {
			res.Found = true
			res.Value = c.Entry.Value
			res.State = c.Entry.State
		}
	} else {
		h.store.mu.RLock()
		var hops []hop
		res, hops = h.store.traverseLocked(sub.root, sub.fields)
		h.store.mu.RUnlock()
		h.reindex(sub, hops)
	}

	if sub.delivered && sub.last.same(res) {
		return
	}
	sub.last = res
	sub.delivered = true
	h.deliver(sub, res)
}

func (h *Hub) reindex(sub *Subscription, hops []hop) {
	if slices.Equal(sub.hops, hops) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed.Load() {
		return
	}
	for _, hp := range sub.hops {
		h.unindex(hp, sub.id)
	}
	for _, hp := range hops {
		set := h.byHop[hp]
		if set == nil {
			set = make(map[uint64]*Subscription)
			h.byHop[hp] = set
		}
		set[sub.id] = sub
	}
	sub.hops = hops
}

func (h *Hub) deliver(sub *Subscription, res Resolution) {
	if sub.wait <= 0 {
		if !sub.closed.Load() {
			sub.cb(res)
		}
		return
	}

	sub.tmu.Lock()
	defer sub.tmu.Unlock()
	sub.pending = res
	if sub.timer != nil {
		sub.timer.Stop()
	}
	sub.timer = time.AfterFunc(sub.wait, func() {
		sub.tmu.Lock()
		latest := sub.pending
		sub.tmu.Unlock()
		if !sub.closed.Load() {
			sub.cb(latest)
		}
	})
}
