// Package syncproto converts graph entries to and from wire deltas and
// computes the catch-up stream a peer needs after (re)connecting.
package syncproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"

	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/protocol"
)

var (
	// ErrMalformedMessage is returned for deltas that cannot be decoded or
	// address something that never leaves a replica.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidSignature is graph.ErrInvalidSignature, re-exported so link
	// code can classify failures without importing graph.
	ErrInvalidSignature = graph.ErrInvalidSignature
)

// Result is the outcome of applying one delta.
type Result struct {
	Applied bool
	// Stale is set when the local entry already wins; it is not an error.
	Stale bool
}

// Cursor records the state this replica holds for every field, per soul.
// A field absent from the cursor is one the replica has never seen.
type Cursor map[graph.Soul]map[string]graph.State

// covers reports whether the holder of c already has something newer than
// state for soul.field. Equal states are not covered, so concurrent writes
// at the same state still meet the tie break.
func (c Cursor) covers(soul graph.Soul, field string, state graph.State) bool {
	held, ok := c[soul][field]
	return ok && state < held
}

// Engine binds the sync codec to a store.
type Engine struct {
	store  *graph.Store
	logger *slog.Logger
}

// New creates an engine over store.
func New(store *graph.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Store returns the underlying graph store.
func (e *Engine) Store() *graph.Store {
	return e.store
}

// EncodeDelta builds the wire message for soul.field = entry.
func EncodeDelta(soul graph.Soul, field string, entry graph.Entry) (*protocol.Message, error) {
	if soul.IsLocal() {
		return nil, fmt.Errorf("%w: local soul %s", ErrMalformedMessage, soul)
	}
	return protocol.NewMessage(protocol.MsgDelta, protocol.Delta{
		Soul:      string(soul),
		Field:     field,
		Value:     entry.Value.Canonical(),
		State:     uint64(entry.State),
		Writer:    entry.Writer,
		Signature: entry.Signature,
	})
}

// EncodeDelta is the method form of the package function.
func (e *Engine) EncodeDelta(soul graph.Soul, field string, entry graph.Entry) (*protocol.Message, error) {
	return EncodeDelta(soul, field, entry)
}

// DecodeDelta extracts the entry carried by a delta message.
func DecodeDelta(msg *protocol.Message) (graph.Soul, string, graph.Entry, error) {
	if msg == nil || msg.Type != protocol.MsgDelta {
		return "", "", graph.Entry{}, fmt.Errorf("%w: not a delta", ErrMalformedMessage)
	}

	var d protocol.Delta
	if err := msg.ParsePayload(&d); err != nil {
		return "", "", graph.Entry{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	soul := graph.Soul(d.Soul)
	if soul == "" || d.Field == "" {
		return "", "", graph.Entry{}, fmt.Errorf("%w: missing soul or field", ErrMalformedMessage)
	}
	if soul.IsLocal() {
		return "", "", graph.Entry{}, fmt.Errorf("%w: local soul %s", ErrMalformedMessage, soul)
	}

	var v graph.Value
	if err := json.Unmarshal(d.Value, &v); err != nil {
		return "", "", graph.Entry{}, fmt.Errorf("%w: value: %v", ErrMalformedMessage, err)
	}
	return soul, d.Field, graph.Entry{
		Value:     v,
		State:     graph.State(d.State),
		Writer:    d.Writer,
		Signature: d.Signature,
	}, nil
}

// ApplyDelta decodes msg and merges it into the store, tagging the change
// with origin so it is not echoed back.
func (e *Engine) ApplyDelta(msg *protocol.Message, origin string) (Result, error) {
	soul, field, entry, err := DecodeDelta(msg)
	if err != nil {
		return Result{}, err
	}

	res, err := e.store.Merge(soul, field, entry, origin)
	switch {
	case errors.Is(err, graph.ErrInvalidSignature):
		return Result{}, err
	case err != nil && (errors.Is(err, graph.ErrInvalidKey) || errors.Is(err, graph.ErrInvalidValue) || errors.Is(err, graph.ErrFutureState)):
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	case err != nil:
		return Result{}, err
	}
	return Result{Applied: res.Applied, Stale: !res.Applied}, nil
}

// walk visits every non-local soul reachable from root through references,
// breadth first, each exactly once. Each node is snapshotted on its own.
func (e *Engine) walk(root graph.Soul, visit func(graph.Soul, map[string]graph.Entry) bool) {
	if root.IsLocal() {
		return
	}
	seen := map[graph.Soul]bool{root: true}
	queue := []graph.Soul{root}
	for len(queue) > 0 {
		soul := queue[0]
		queue = queue[1:]

		node := e.store.Node(soul)
		if !visit(soul, node) {
			return
		}
		for _, field := range slices.Sorted(maps.Keys(node)) {
			next, ok := node[field].Value.Soul()
			if !ok || seen[next] || next.IsLocal() {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
}

// DiffSince yields a delta for every entry in the subtree under root that
// the peer's cursor does not cover: fields the peer lacks, and fields it
// holds at the same or an older state. The sequence is lazy and can be
// ranged over again for a fresh walk.
func (e *Engine) DiffSince(root graph.Soul, cursor Cursor) iter.Seq[*protocol.Message] {
	return func(yield func(*protocol.Message) bool) {
		e.walk(root, func(soul graph.Soul, node map[string]graph.Entry) bool {
			for _, field := range slices.Sorted(maps.Keys(node)) {
				entry := node[field]
				if cursor.covers(soul, field, entry.State) {
					continue
				}
				msg, err := EncodeDelta(soul, field, entry)
				if err != nil {
					e.logger.Warn("skip entry in diff", "soul", soul, "field", field, "error", err)
					continue
				}
				if !yield(msg) {
					return false
				}
			}
			return true
		})
	}
}

// Cursor returns the state of every field over the local subtree under root.
func (e *Engine) Cursor(root graph.Soul) Cursor {
	c := make(Cursor)
	e.walk(root, func(soul graph.Soul, node map[string]graph.Entry) bool {
		if len(node) == 0 {
			return true
		}
		fields := make(map[string]graph.State, len(node))
		for field, entry := range node {
			fields[field] = entry.State
		}
		c[soul] = fields
		return true
	})
	return c
}

// DiffRequest builds the control payload asking a peer for everything newer
// than what this replica holds under roots. Local roots are dropped.
func (e *Engine) DiffRequest(roots []graph.Soul) protocol.DiffRequest {
	req := protocol.DiffRequest{Cursors: make(map[string]map[string]uint64)}
	for _, root := range roots {
		if root.IsLocal() || slices.Contains(req.Roots, string(root)) {
			continue
		}
		req.Roots = append(req.Roots, string(root))
		for soul, fields := range e.Cursor(root) {
			// roots can share subtrees; a soul's fields are the same either way
			if _, done := req.Cursors[string(soul)]; done {
				continue
			}
			states := make(map[string]uint64, len(fields))
			for field, state := range fields {
				states[field] = uint64(state)
			}
			req.Cursors[string(soul)] = states
		}
	}
	return req
}

// ParseDiffRequest decodes a diff_request message.
func ParseDiffRequest(msg *protocol.Message) ([]graph.Soul, Cursor, error) {
	if msg == nil || msg.Type != protocol.MsgDiffRequest {
		return nil, nil, fmt.Errorf("%w: not a diff request", ErrMalformedMessage)
	}
	var req protocol.DiffRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	roots := make([]graph.Soul, 0, len(req.Roots))
	for _, r := range req.Roots {
		if r == "" {
			return nil, nil, fmt.Errorf("%w: empty root", ErrMalformedMessage)
		}
		roots = append(roots, graph.Soul(r))
	}
	cursor := make(Cursor, len(req.Cursors))
	for soul, states := range req.Cursors {
		fields := make(map[string]graph.State, len(states))
		for field, state := range states {
			fields[field] = graph.State(state)
		}
		cursor[graph.Soul(soul)] = fields
	}
	return roots, cursor, nil
}

// ServeDiff streams DiffSince for every requested root through send and
// finishes with diff_done. It stops early when ctx is cancelled, which is
// how closing a link aborts an in-flight diff.
func (e *Engine) ServeDiff(ctx context.Context, roots []graph.Soul, cursor Cursor, send func(*protocol.Message) error) (int, error) {
	sent := 0
	served := make([]string, 0, len(roots))
	for _, root := range roots {
		if root.IsLocal() {
			continue
		}
		served = append(served, string(root))
		for msg := range e.DiffSince(root, cursor) {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			if err := send(msg); err != nil {
				return sent, fmt.Errorf("send delta: %w", err)
			}
			sent++
		}
	}

	done, err := protocol.NewMessage(protocol.MsgDiffDone, protocol.DiffDone{Roots: served, Count: sent})
	if err != nil {
		return sent, err
	}
	if err := ctx.Err(); err != nil {
		return sent, err
	}
	if err := send(done); err != nil {
		return sent, fmt.Errorf("send diff done: %w", err)
	}
	return sent, nil
}
