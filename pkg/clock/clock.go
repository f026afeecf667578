// Package clock implements the per-node actor clock (spec §4.2, C2):
// a monotonic EventTime generator that never repeats and never goes
// backwards, even across wall-clock regressions or explicit overrides
// supplied by a caller (e.g. during journal replay).
package clock

import (
	"sync"
	"time"

	"github.com/thatdot/streamgraph/pkg/types"
)

// Clock issues strictly increasing EventTimes for a single node. Every
// method takes an internal mutex, so it is safe for concurrent use;
// the actor core only calls it from the node's own single-writer loop.
type Clock struct {
	mu   sync.Mutex
	last types.EventTime
	now  func() time.Time // overridable for deterministic tests
}

// New returns a clock with no events issued yet.
func New() *Clock {
	return &Clock{now: time.Now}
}

// NewWithTimeSource returns a clock that reads wall time from now,
// used by tests that need deterministic EventTimes.
func NewWithTimeSource(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Tick returns a strictly greater EventTime than any previously issued
// by this clock (spec: "every event issued observes a strictly
// greater EventTime than all preceding events on that node").
func (c *Clock) Tick() types.EventTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked()
}

func (c *Clock) tickLocked() types.EventTime {
	wall := c.now().UnixMilli()
	switch {
	case wall > c.last.WallMillis:
		c.last = types.EventTime{WallMillis: wall, Sequence: 0}
	default:
		// Wall time did not advance (or regressed): skew forward by
		// bumping the sequence within the same millisecond bucket, or
		// the millisecond itself if the sequence would overflow.
		if c.last.Sequence == ^uint32(0) {
			c.last = types.EventTime{WallMillis: c.last.WallMillis + 1, Sequence: 0}
		} else {
			c.last = types.EventTime{WallMillis: c.last.WallMillis, Sequence: c.last.Sequence + 1}
		}
	}
	return c.last
}

// Peek returns the last EventTime issued, without advancing the clock.
// Returns the zero EventTime if Tick has never been called.
func (c *Clock) Peek() types.EventTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Stamp ticks n times in sequence, returning n strictly increasing
// EventTimes in order. Used to stamp a batch of effective events.
func (c *Clock) Stamp(n int) []types.EventTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.EventTime, n)
	for i := 0; i < n; i++ {
		out[i] = c.tickLocked()
	}
	return out
}

// BumpTo ensures the clock's next Tick will exceed at, pulling the
// clock forward if at is ahead of what it has issued so far. Used
// when a caller supplies at_time_override (spec §4.2): "the clock
// must bump to match/exceed it before the next tick."
func (c *Clock) BumpTo(at types.EventTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.Less(at) {
		c.last = at
	}
}
