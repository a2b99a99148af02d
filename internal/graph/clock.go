package graph

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// State is a per-field logical clock value.
type State uint64

// MaxClockSkew bounds how far ahead of the local wall clock a state from
// another replica may be.
const MaxClockSkew = 24 * time.Hour

var (
	// ErrFutureState is returned by Merge for states beyond the local wall
	// clock plus MaxClockSkew.
	ErrFutureState = errors.New("state too far in the future")

	// ErrClockExhausted is returned by Put when no state above the stored
	// one exists.
	ErrClockExhausted = errors.New("logical clock exhausted")
)

// Clock issues states seeded from wall-clock milliseconds. Issued states
// never repeat and never go backwards, even if the wall clock does.
type Clock struct {
	mu   sync.Mutex
	last State
	now  func() time.Time
}

// NewClock returns a clock reading time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns a state strictly greater than both current and every state
// this clock issued before.
func (c *Clock) Next(current State) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current == math.MaxUint64 || c.last == math.MaxUint64 {
		return 0, ErrClockExhausted
	}
	var next State
	if ms := c.now().UnixMilli(); ms > 0 {
		next = State(ms)
	}
	if next <= c.last {
		next = c.last + 1
	}
	if next <= current {
		next = current + 1
	}
	c.last = next
	return next, nil
}

// Admit rejects a state from another replica that lies beyond the local
// wall clock plus MaxClockSkew. States this clock issued are always
// admitted.
func (c *Clock) Admit(s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := State(MaxClockSkew.Milliseconds())
	if ms := c.now().UnixMilli(); ms > 0 {
		limit += State(ms)
	}
	limit = max(limit, c.last)
	if s > limit {
		return fmt.Errorf("%w: %d exceeds %d", ErrFutureState, s, limit)
	}
	return nil
}
