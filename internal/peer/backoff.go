package peer

import (
	"math/rand"
	"sync"
	"time"
)

// backoff computes reconnect delays: base * 2^fails plus up to one base of
// jitter, capped at max.
type backoff struct {
	base time.Duration
	max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func newBackoff(base, max time.Duration, src rand.Source) *backoff {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &backoff{base: base, max: max, rng: rand.New(src)}
}

func (b *backoff) next(fails int) time.Duration {
	shift := min(max(fails, 0), 30)
	d := b.base << shift
	if d <= 0 || d > b.max {
		d = b.max
	}

	var jitter time.Duration
	if b.base > 0 {
		b.mu.Lock()
		jitter = time.Duration(b.rng.Int63n(int64(b.base)))
		b.mu.Unlock()
	}

	if raw := d + jitter; raw < b.max {
		return raw
	}
	return b.max
}
