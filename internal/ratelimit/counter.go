// Package ratelimit throttles repetitive log lines emitted from ingest paths,
// such as a sensor node that keeps publishing garbage.
package ratelimit

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Counter tracks how many events occurred and when one was last logged.
// It is safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
	now      func() time.Time
}

// NewCounter constructs a Counter that allows a log at most once per interval.
// A zero or negative interval disables throttling (always logs).
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Inc increments the counter and reports whether logging is allowed.
func (c *Counter) Inc() (uint64, bool) {
	if c == nil {
		return 0, false
	}
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := c.now().UTC().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		return total, false
	}
	if c.lastLog.CompareAndSwap(last, now) {
		return total, true
	}
	return total, false
}

// Total returns the number of events counted so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

// Logf counts one event and, when allowed, emits the formatted line through
// logf with the running total appended.
func (c *Counter) Logf(logf func(format string, args ...any), format string, args ...any) {
	total, ok := c.Inc()
	if !ok || logf == nil {
		return
	}
	logf("%s (total=%d)", fmt.Sprintf(format, args...), total)
}
