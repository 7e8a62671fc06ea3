package testutil

import "sync"

// DeterministicClock is a millisecond clock for tests. Each call to Now
// advances it by a fixed step, so a scripted sequence of writes always
// receives the same timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu   sync.Mutex
	now  int64
	step int64
}

// NewDeterministicClock creates a clock whose first Now() returns start+1.
func NewDeterministicClock(start int64) *DeterministicClock {
	return &DeterministicClock{now: start, step: 1}
}

// Now advances the clock by one step and returns the new time.
func (c *DeterministicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Current returns the current time without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to ts. The next Now() returns ts+step.
// Moving backwards is allowed; tests use it to script stale writes.
func (c *DeterministicClock) Set(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ts
}

// SetStep changes the increment applied by Now. A zero step makes every
// call return the same time, which is how tests force timestamp ties.
func (c *DeterministicClock) SetStep(step int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}
