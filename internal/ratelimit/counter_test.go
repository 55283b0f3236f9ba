package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestCounterThrottlesWithinInterval(t *testing.T) {
	c := NewCounter(time.Minute)
	now := time.Date(2026, time.May, 1, 8, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if total, ok := c.Inc(); !ok || total != 1 {
		t.Fatalf("first Inc = %d,%v; want 1,true", total, ok)
	}
	if total, ok := c.Inc(); ok || total != 2 {
		t.Fatalf("second Inc = %d,%v; want 2,false", total, ok)
	}
	now = now.Add(61 * time.Second)
	if total, ok := c.Inc(); !ok || total != 3 {
		t.Fatalf("third Inc = %d,%v; want 3,true", total, ok)
	}
	if c.Total() != 3 {
		t.Fatalf("Total() = %d", c.Total())
	}
}

func TestCounterZeroIntervalAlwaysLogs(t *testing.T) {
	c := NewCounter(0)
	for i := 0; i < 3; i++ {
		if _, ok := c.Inc(); !ok {
			t.Fatalf("expected Inc to allow logging with zero interval")
		}
	}
}

func TestCounterLogf(t *testing.T) {
	c := NewCounter(time.Hour)
	var lines []string
	logf := func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }
	c.Logf(logf, "dropped %s", "a")
	c.Logf(logf, "dropped %s", "b")
	if len(lines) != 1 || lines[0] != "dropped a (total=1)" {
		t.Fatalf("unexpected log lines %q", lines)
	}
}

func TestNilCounter(t *testing.T) {
	var c *Counter
	if total, ok := c.Inc(); ok || total != 0 {
		t.Fatalf("nil Inc = %d,%v", total, ok)
	}
	if c.Total() != 0 {
		t.Fatalf("nil Total should be 0")
	}
}
