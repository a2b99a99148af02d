package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ixnay.dev/go/ixnay/internal/graph"
	"ixnay.dev/go/ixnay/internal/protocol"
	"ixnay.dev/go/ixnay/internal/syncproto"
)

// maxOutbox bounds the queued messages per link. Overflowing fails the
// transport; the reconnect diff repairs whatever was dropped.
const maxOutbox = 8192

// Link is one logical connection to a peer. Outgoing links survive
// transport failures and redial; their id is stable across reconnects and
// is the origin tag of every change that arrives on them.
type Link struct {
	id       string
	mgr      *Manager
	outgoing bool
	persist  bool
	limiter  *inboundLimiter
	wake     chan struct{}
	done     chan struct{}

	mu          sync.Mutex
	peerID      string
	name        string
	addr        string
	state       State
	lastSeen    time.Time
	connectedAt time.Time
	degradedAt  time.Time
	attempts    int
	backoff     time.Duration
	malformed   int
	outbox      []*protocol.Message
	cancel      context.CancelCauseFunc // current session
	closeCause  error
}

// ID returns the link id.
func (l *Link) ID() string { return l.id }

// PeerID returns the peer fingerprint, empty until first handshake for
// links dialed without one.
func (l *Link) PeerID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerID
}

// State returns the current state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Info returns a snapshot of the link.
func (l *Link) Info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	info := LinkInfo{
		ID:          l.id,
		PeerID:      l.peerID,
		Name:        l.name,
		Addr:        l.addr,
		State:       l.state,
		Outgoing:    l.outgoing,
		LastSeen:    l.lastSeen,
		ConnectedAt: l.connectedAt,
		Attempts:    l.attempts,
		Queued:      len(l.outbox),
		Malformed:   l.malformed,
	}
	if l.backoff > 0 {
		info.Backoff = l.backoff.String()
	}
	return info
}

func (l *Link) active() bool {
	s := l.State()
	return s == StateOpen || s == StateDegraded
}

func (l *Link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// enqueue appends a copy of msg to the outbox. Only open and degraded
// links accept messages; degraded links hold them until traffic resumes.
func (l *Link) enqueue(msg *protocol.Message) error {
	c := *msg

	l.mu.Lock()
	if l.state != StateOpen && l.state != StateDegraded {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if len(l.outbox) >= maxOutbox {
		cancel := l.cancel
		l.mu.Unlock()
		if cancel != nil {
			cancel(fmt.Errorf("%w: outbox overflow", ErrTransportFailure))
		}
		return ErrLinkClosed
	}
	l.outbox = append(l.outbox, &c)
	l.mu.Unlock()

	l.signal()
	return nil
}

// peek returns the head of the outbox while the link is open.
func (l *Link) peek() (*protocol.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen || len(l.outbox) == 0 {
		return nil, false
	}
	return l.outbox[0], true
}

func (l *Link) pop(msg *protocol.Message) {
	l.mu.Lock()
	if len(l.outbox) > 0 && l.outbox[0] == msg {
		l.outbox[0] = nil
		l.outbox = l.outbox[1:]
	}
	l.mu.Unlock()
}

// touch records traffic from the peer and lifts a degraded link.
func (l *Link) touch() {
	l.mu.Lock()
	l.lastSeen = time.Now()
	recovered := l.state == StateDegraded
	if recovered {
		l.state = StateOpen
		l.degradedAt = time.Time{}
	}
	peerID := l.peerID
	l.mu.Unlock()

	if recovered {
		l.mgr.logger.Info("link recovered", "link", l.id, "peer", peerID)
		l.signal()
	}
}

// checkHealth moves an idle open link to degraded and fails one that has
// been degraded for longer than timeout.
func (l *Link) checkHealth(silence, timeout time.Duration) error {
	l.mu.Lock()
	now := time.Now()
	var degraded bool
	switch l.state {
	case StateOpen:
		if now.Sub(l.lastSeen) > silence {
			l.state = StateDegraded
			l.degradedAt = now
			degraded = true
		}
	case StateDegraded:
		if d := now.Sub(l.degradedAt); d > timeout {
			l.mu.Unlock()
			return fmt.Errorf("%w: degraded for %s", ErrTransportFailure, d.Round(time.Millisecond))
		}
	}
	peerID := l.peerID
	l.mu.Unlock()

	if degraded {
		l.mgr.metrics.LinksDegraded.Add(1)
		l.mgr.logger.Warn("link degraded", "link", l.id, "peer", peerID, "silence", silence)
	}
	return nil
}

// terminate ends the link for good. Safe to call more than once; the first
// cause wins.
func (l *Link) terminate(cause error) {
	l.mu.Lock()
	if l.closeCause != nil {
		l.mu.Unlock()
		return
	}
	l.closeCause = cause
	cancel := l.cancel
	close(l.done)
	l.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}
}

func (l *Link) markClosed() {
	l.mu.Lock()
	l.state = StateClosed
	l.outbox = nil
	l.cancel = nil
	if l.closeCause == nil {
		l.closeCause = errStopped
		close(l.done)
	}
	l.mu.Unlock()
}

// session is one connection's lifetime within a link.
type session struct {
	link   *Link
	conn   *protocol.Conn
	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	diffMu    sync.Mutex
	diffStart time.Time
}

// serve runs conn until it fails or the link is terminated and returns the
// cause. The outbox is preserved for the next session.
func (l *Link) serve(conn *protocol.Conn) error {
	m := l.mgr
	ctx, cancel := context.WithCancelCause(m.ctx)

	l.mu.Lock()
	if l.closeCause != nil {
		cause := l.closeCause
		l.mu.Unlock()
		cancel(cause)
		conn.Close()
		return cause
	}
	now := time.Now()
	l.cancel = cancel
	l.state = StateOpen
	l.lastSeen = now
	l.connectedAt = now
	l.attempts = 0
	l.backoff = 0
	l.malformed = 0
	peerID := l.peerID
	l.mu.Unlock()

	m.metrics.LinksOpened.Add(1)
	m.logger.Info("link open", "link", l.id, "peer", peerID, "addr", conn.RemoteAddr(), "outgoing", l.outgoing)

	s := &session{link: l, conn: conn, ctx: ctx, cancel: cancel}
	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.heartbeatLoop()
	s.requestDiff()

	<-ctx.Done()
	conn.Close()
	s.wg.Wait()

	cause := context.Cause(ctx)
	if errors.Is(cause, context.Canceled) {
		cause = errStopped
	}

	l.mu.Lock()
	l.cancel = nil
	if l.state != StateClosed {
		l.state = StateConnecting
	}
	l.mu.Unlock()
	return cause
}

func (s *session) fail(err error) {
	s.cancel(err)
}

func (s *session) requestDiff() {
	m := s.link.mgr
	roots := m.store.Hub().Roots()
	if m.opts.Roots != nil {
		roots = append(roots, m.opts.Roots()...)
	}
	req := m.engine.DiffRequest(roots)

	s.diffMu.Lock()
	s.diffStart = time.Now()
	s.diffMu.Unlock()

	if err := s.conn.Send(protocol.MsgDiffRequest, req); err != nil {
		s.fail(fmt.Errorf("%w: send diff request: %v", ErrTransportFailure, err))
		return
	}
	m.metrics.RecordMessageSent(string(protocol.MsgDiffRequest), 0)
}

func (s *session) readLoop() {
	defer s.wg.Done()
	l, m := s.link, s.link.mgr

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				s.misbehaved(err)
				continue
			}
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("%w: %v", ErrTransportFailure, err))
			}
			return
		}

		l.touch()
		m.metrics.RecordMessageReceived(string(msg.Type), len(msg.Payload))

		if !checkSize(msg) {
			s.misbehaved(fmt.Errorf("%s payload of %d bytes over limit", msg.Type, len(msg.Payload)))
			continue
		}
		throttled, err := l.limiter.wait(s.ctx, msg)
		if throttled {
			m.metrics.Throttled.Add(1)
		}
		if err != nil {
			return
		}

		s.handle(msg)
	}
}

func (s *session) handle(msg *protocol.Message) {
	l, m := s.link, s.link.mgr

	switch msg.Type {
	case protocol.MsgPing:
		var ping protocol.Ping
		if err := msg.ParsePayload(&ping); err != nil {
			s.misbehaved(err)
			return
		}
		if err := s.conn.Send(protocol.MsgPong, protocol.Pong{Seq: ping.Seq}); err != nil {
			s.fail(fmt.Errorf("%w: send pong: %v", ErrTransportFailure, err))
			return
		}
		m.metrics.RecordMessageSent(string(protocol.MsgPong), 0)

	case protocol.MsgPong:

	case protocol.MsgDelta:
		res, err := m.engine.ApplyDelta(msg, l.id)
		switch {
		case errors.Is(err, syncproto.ErrInvalidSignature), errors.Is(err, syncproto.ErrMalformedMessage):
			m.metrics.DeltasRejected.Add(1)
			s.misbehaved(err)
		case err != nil:
			m.logger.Error("apply delta", "link", l.id, "error", err)
		case res.Applied:
			m.metrics.DeltasApplied.Add(1)
		default:
			m.metrics.DeltasStale.Add(1)
		}

	case protocol.MsgDiffRequest:
		roots, cursor, err := syncproto.ParseDiffRequest(msg)
		if err != nil {
			s.misbehaved(err)
			return
		}
		s.wg.Add(1)
		go s.serveDiff(roots, cursor)

	case protocol.MsgDiffDone:
		var done protocol.DiffDone
		if err := msg.ParsePayload(&done); err != nil {
			s.misbehaved(err)
			return
		}
		s.diffMu.Lock()
		if !s.diffStart.IsZero() {
			m.metrics.RecordDiffLatency(time.Since(s.diffStart))
			s.diffStart = time.Time{}
		}
		s.diffMu.Unlock()
		m.logger.Debug("diff received", "link", l.id, "roots", done.Roots, "count", done.Count)

	case protocol.MsgReject:
		var rej protocol.Reject
		msg.ParsePayload(&rej)
		m.logger.Warn("peer rejected", "link", l.id, "code", rej.Code, "reason", rej.Reason)

	default:
		s.misbehaved(fmt.Errorf("unexpected message type %q", msg.Type))
	}
}

func (s *session) serveDiff(roots []graph.Soul, cursor syncproto.Cursor) {
	defer s.wg.Done()
	l, m := s.link, s.link.mgr

	sent, err := m.engine.ServeDiff(s.ctx, roots, cursor, l.enqueue)
	if err != nil {
		if s.ctx.Err() == nil {
			m.logger.Warn("diff aborted", "link", l.id, "sent", sent, "error", err)
		}
		return
	}
	m.metrics.DiffsServed.Add(1)
	m.logger.Debug("diff served", "link", l.id, "roots", len(roots), "sent", sent)
}

// misbehaved counts a malformed or rejected message and tears the link
// down once the count passes the threshold.
func (s *session) misbehaved(err error) {
	l, m := s.link, s.link.mgr

	l.mu.Lock()
	l.malformed++
	n := l.malformed
	peerID := l.peerID
	l.mu.Unlock()

	m.metrics.MalformedFrames.Add(1)
	m.metrics.RecordError("malformed", err.Error(), peerID)
	m.logger.Warn("malformed message", "link", l.id, "peer", peerID, "count", n, "error", err)

	if n > m.opts.Sync.MalformedThreshold {
		s.conn.Send(protocol.MsgReject, protocol.Reject{
			Reason: "too many malformed messages",
			Code:   protocol.RejectCodeMalformed,
		})
		s.fail(fmt.Errorf("%w: %d", errMisbehaving, n))
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()
	l, m := s.link, s.link.mgr

	for {
		msg, ok := l.peek()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		if err := s.conn.WriteMessage(msg); err != nil {
			s.fail(fmt.Errorf("%w: write: %v", ErrTransportFailure, err))
			return
		}
		l.pop(msg)
		m.metrics.RecordMessageSent(string(msg.Type), len(msg.Payload))
	}
}

func (s *session) heartbeatLoop() {
	defer s.wg.Done()
	l, m := s.link, s.link.mgr
	cfg := m.opts.Sync

	interval := cfg.HeartbeatInterval.Duration
	silence := interval * time.Duration(cfg.MissedHeartbeats)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := l.checkHealth(silence, cfg.DegradedTimeout.Duration); err != nil {
			s.fail(err)
			return
		}
		seq++
		if err := s.conn.Send(protocol.MsgPing, protocol.Ping{Seq: seq}); err != nil {
			s.fail(fmt.Errorf("%w: send ping: %v", ErrTransportFailure, err))
			return
		}
		m.metrics.RecordMessageSent(string(protocol.MsgPing), 0)
	}
}
