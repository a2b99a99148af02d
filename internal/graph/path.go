package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"ixnay.dev/go/ixnay/internal/crypto"
)

// ErrEmptyPath is returned when writing to a bare root.
var ErrEmptyPath = errors.New("path has no field to write")

// Path accumulates field segments from a root soul. Nothing touches the
// store until a terminal call such as Put, Once or On.
type Path struct {
	store  *Store
	root   Soul
	fields []string
	signer crypto.Signer
}

// At starts a path at root. Writes are signed with signer, which may be nil
// for local or shared souls.
func (s *Store) At(root Soul, signer crypto.Signer) Path {
	return Path{store: s, root: root, signer: signer}
}

// Get extends the path by one or more fields. A field containing "/" is
// split into segments.
func (p Path) Get(fields ...string) Path {
	next := p
	next.fields = slices.Clone(p.fields)
	for _, f := range fields {
		for _, seg := range strings.Split(f, "/") {
			if seg != "" {
				next.fields = append(next.fields, seg)
			}
		}
	}
	return next
}

// Root returns the soul the path starts at.
func (p Path) Root() Soul { return p.root }

// Fields returns the accumulated segments.
func (p Path) Fields() []string { return slices.Clone(p.fields) }

func (p Path) String() string {
	if len(p.fields) == 0 {
		return string(p.root)
	}
	return string(p.root) + "/" + strings.Join(p.fields, "/")
}

// node walks to the soul holding the last field, creating intermediate
// nodes as references named parent/field where none exist.
func (p Path) node() (Soul, error) {
	cur := p.root
	for _, f := range p.fields[:len(p.fields)-1] {
		e, ok := p.store.Get(cur, f)
		if ok {
			if next, isRef := e.Value.Soul(); isRef {
				cur = next
				continue
			}
		}
		child := cur.Child(f)
		if _, err := p.store.Put(cur, f, Ref(child), p.signer); err != nil {
			return "", fmt.Errorf("link %s.%s: %w", cur, f, err)
		}
		cur = child
	}
	return cur, nil
}

// Put writes v at the path. v may be a Value or any type ValueOf accepts.
func (p Path) Put(v any) (Entry, error) {
	if len(p.fields) == 0 {
		return Entry{}, ErrEmptyPath
	}
	val, err := ValueOf(v)
	if err != nil {
		return Entry{}, err
	}
	soul, err := p.node()
	if err != nil {
		return Entry{}, err
	}
	return p.store.Put(soul, p.fields[len(p.fields)-1], val, p.signer)
}

// PutNode writes several fields below the path, creating the node if
// needed. Fields are written in sorted order.
func (p Path) PutNode(fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if _, err := p.Get(k).Put(fields[k]); err != nil {
			return err
		}
	}
	return nil
}

// Set inserts v into the collection at the path under a new time-ordered
// key and returns the path of the new member.
func (p Path) Set(v any) (Path, error) {
	member := p.Get(NewKey())
	if m, ok := v.(map[string]any); ok {
		if _, isRef := m["#"]; !isRef {
			return member, member.PutNode(m)
		}
	}
	_, err := member.Put(v)
	return member, err
}

// NewKey returns a fresh collection key.
func NewKey() string {
	return strings.ToLower(ulid.Make().String())
}

// Delete writes a tombstone.
func (p Path) Delete() (Entry, error) {
	return p.Put(Null())
}

// Once resolves the path against the current state.
func (p Path) Once() Resolution {
	return p.store.Traverse(p.root, p.fields...)
}

// Value returns the resolved value, or null when the path does not resolve.
func (p Path) Value() Value {
	return p.Once().Value
}

// Children returns the live fields of the node the path points at.
// Tombstoned fields are omitted.
func (p Path) Children() map[string]Value {
	soul, ok := p.Once().Node()
	if !ok {
		return nil
	}
	out := make(map[string]Value)
	for f, e := range p.store.Node(soul) {
		if !e.Value.IsNull() {
			out[f] = e.Value
		}
	}
	return out
}

// On subscribes to the path.
func (p Path) On(cb func(Resolution)) *Subscription {
	return p.store.hub.Subscribe(p.root, p.fields, cb)
}

// OnDebounced subscribes with coalesced delivery.
func (p Path) OnDebounced(wait time.Duration, cb func(Resolution)) *Subscription {
	return p.store.hub.SubscribeDebounced(p.root, p.fields, wait, cb)
}
