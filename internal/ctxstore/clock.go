package ctxstore

import (
	"sync/atomic"
	"time"
)

// Clock supplies write timestamps in milliseconds.
type Clock interface {
	Now() int64
}

// WallClock returns wall-clock milliseconds, forced strictly increasing so
// that two writes from one origin never share a Stamp.
//
// Safe for concurrent use.
type WallClock struct {
	last atomic.Int64
	now  func() time.Time
}

// NewWallClock creates a clock backed by time.Now.
func NewWallClock() *WallClock {
	return &WallClock{now: time.Now}
}

// Now returns max(wall time, previous+1).
func (c *WallClock) Now() int64 {
	wall := c.now().UnixMilli()
	for {
		prev := c.last.Load()
		next := wall
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}
