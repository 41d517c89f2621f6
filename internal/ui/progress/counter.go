package progress

import (
	"sync/atomic"
	"time"
)

// A Func is called with the state of a Counter. final is set for the last
// call, made by Done.
type Func func(value uint64, total uint64, runtime time.Duration, final bool)

// A Counter tracks a running count. A nil *Counter is valid and ignores
// all calls.
type Counter struct {
	value, max atomic.Uint64
	start      time.Time
	report     Func
}

// NewCounter returns a counter that calls report once it is done.
func NewCounter(total uint64, report Func) *Counter {
	c := &Counter{start: time.Now(), report: report}
	c.max.Store(total)
	return c
}

// Add adds v to the counter.
func (c *Counter) Add(v uint64) {
	if c != nil {
		c.value.Add(v)
	}
}

// SetMax sets the expected final value.
func (c *Counter) SetMax(max uint64) {
	if c != nil {
		c.max.Store(max)
	}
}

// Get returns the current value and the expected final value.
func (c *Counter) Get() (v, max uint64) {
	if c == nil {
		return 0, 0
	}
	return c.value.Load(), c.max.Load()
}

// Done reports the final state.
func (c *Counter) Done() {
	if c == nil || c.report == nil {
		return
	}
	v, max := c.Get()
	c.report(v, max, time.Since(c.start), true)
}
