package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a logical millisecond clock for tests.
//
// Every call to Next or Now advances the clock by Step, so events authored
// in a test get strictly increasing origin_server_ts values that do not
// depend on the wall clock.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start int64
	step  int64
	now   int64
}

// NewDeterministicClock creates a clock at 0 that advances by 1ms.
//
// The first call to Next() returns 1.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(0, 1)
}

// NewDeterministicClockAt creates a clock at start (unix millis) that
// advances by step on every read.
func NewDeterministicClockAt(start, step int64) *DeterministicClock {
	if step <= 0 {
		step = 1
	}
	return &DeterministicClock{start: start, step: step, now: start}
}

// Next advances the clock and returns the new value in milliseconds.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Now advances the clock and returns it as a time.Time.
func (c *DeterministicClock) Now() time.Time {
	return time.UnixMilli(c.Next())
}

// Current returns the current value without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Reset rewinds the clock to its start value.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
