package peer

import (
	"context"
	"strings"
	"testing"
	"time"

	"ixnay.dev/go/ixnay/internal/protocol"
)

func TestInboundLimiterThrottles(t *testing.T) {
	l := newInboundLimiter(20, 2)
	delta := &protocol.Message{Type: protocol.MsgDelta}

	for i := 0; i < 2; i++ {
		throttled, err := l.wait(context.Background(), delta)
		if err != nil || throttled {
			t.Fatalf("burst message %d: throttled=%v err=%v", i, throttled, err)
		}
	}

	throttled, err := l.wait(context.Background(), delta)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !throttled {
		t.Error("message beyond burst should be throttled")
	}
}

func TestInboundLimiterExemptsHeartbeats(t *testing.T) {
	l := newInboundLimiter(0.001, 1)
	ping := &protocol.Message{Type: protocol.MsgPing}
	for i := 0; i < 10; i++ {
		if throttled, _ := l.wait(context.Background(), ping); throttled {
			t.Fatal("pings must never be throttled")
		}
	}
}

func TestInboundLimiterWaitCancelled(t *testing.T) {
	l := newInboundLimiter(0.001, 1)
	delta := &protocol.Message{Type: protocol.MsgDelta}
	l.wait(context.Background(), delta)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.wait(ctx, delta); err == nil {
		t.Error("wait should fail when the link context ends first")
	}
}

func TestInboundLimiterUnlimited(t *testing.T) {
	l := newInboundLimiter(0, 0)
	delta := &protocol.Message{Type: protocol.MsgDelta}
	for i := 0; i < 1000; i++ {
		if throttled, err := l.wait(context.Background(), delta); throttled || err != nil {
			t.Fatalf("zero rate means unlimited, got throttled=%v err=%v", throttled, err)
		}
	}
}

func TestCheckSize(t *testing.T) {
	small := &protocol.Message{Type: protocol.MsgPing, Payload: []byte(`{"seq":1}`)}
	if !checkSize(small) {
		t.Error("small ping should pass")
	}
	big := &protocol.Message{Type: protocol.MsgPing, Payload: []byte(`"` + strings.Repeat("x", 2048) + `"`)}
	if checkSize(big) {
		t.Error("oversized ping should fail")
	}
}
