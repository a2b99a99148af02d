package peer

import (
	"context"

	"golang.org/x/time/rate"

	"ixnay.dev/go/ixnay/internal/protocol"
)

// TypeSizeLimits caps the payload size accepted per message type. Types not
// listed fall back to protocol.MaxMessageSize.
var TypeSizeLimits = map[protocol.MessageType]int{
	protocol.MsgPing:        1024,
	protocol.MsgPong:        1024,
	protocol.MsgReject:      4096,
	protocol.MsgDiffDone:    64 * 1024,
	protocol.MsgDiffRequest: 1024 * 1024,
	protocol.MsgDelta:       1024 * 1024,
}

// inboundLimiter throttles what one link may ask of this replica. Heartbeats
// are exempt so a busy link is not mistaken for a dead one.
type inboundLimiter struct {
	limiter *rate.Limiter
}

func newInboundLimiter(perSecond float64, burst int) *inboundLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &inboundLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// exempt reports whether msgType bypasses throttling.
func exempt(msgType protocol.MessageType) bool {
	return msgType == protocol.MsgPing || msgType == protocol.MsgPong
}

// checkSize reports whether msg fits its type's size limit.
func checkSize(msg *protocol.Message) bool {
	limit, ok := TypeSizeLimits[msg.Type]
	if !ok {
		limit = protocol.MaxMessageSize
	}
	return len(msg.Payload) <= limit
}

// wait blocks until msg may be processed. throttled is true when the link
// had to wait, which the caller records.
func (l *inboundLimiter) wait(ctx context.Context, msg *protocol.Message) (throttled bool, err error) {
	if exempt(msg.Type) {
		return false, nil
	}
	if l.limiter.Allow() {
		return false, nil
	}
	return true, l.limiter.Wait(ctx)
}
