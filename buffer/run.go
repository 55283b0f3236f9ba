// Package buffer holds the readings of the current acquisition run. The run is
// append-only between clears; every operation takes the same lock so a clear
// never interleaves with an in-flight append or an export snapshot.
package buffer

import (
	"sync"
	"time"

	"brickbench/reading"

	"github.com/google/uuid"
)

// Run is the ordered, append-only sequence of readings for one acquisition
// session. The zero value is not usable; call New.
type Run struct {
	mu        sync.RWMutex
	id        string
	readings  []reading.Reading
	startedAt time.Time
	lastAt    time.Time
	now       func() time.Time
}

// Snapshot is a consistent copy of the run taken under a single lock.
type Snapshot struct {
	RunID     string
	StartedAt time.Time
	LastAt    time.Time
	Readings  []reading.Reading
}

// New returns an empty run with a fresh id.
func New() *Run {
	return &Run{
		id:  uuid.NewString(),
		now: time.Now,
	}
}

// Append adds r at the end of the run and returns its 1-based sequence number.
func (b *Run) Append(r reading.Reading) int {
	return b.AppendAt(r, b.now())
}

// AppendAt is Append with the arrival time supplied by the caller, so the
// run's timestamps match what the journal and archive record.
func (b *Run) AppendAt(r reading.Reading, at time.Time) int {
	at = at.UTC()
	b.mu.Lock()
	b.readings = append(b.readings, r)
	if b.startedAt.IsZero() {
		b.startedAt = at
	}
	b.lastAt = at
	seq := len(b.readings)
	b.mu.Unlock()
	return seq
}

// Clear empties the run and starts a new one. It returns the id of the run
// that was discarded so callers can close it in persistent stores.
func (b *Run) Clear() string {
	b.mu.Lock()
	prev := b.id
	b.id = uuid.NewString()
	// Drop the backing array: snapshots handed out earlier keep their own copy.
	b.readings = nil
	b.startedAt = time.Time{}
	b.lastAt = time.Time{}
	b.mu.Unlock()
	return prev
}

// Restore replaces the run with previously journaled readings. startedAt and
// lastAt are the arrival times of the first and last of them.
func (b *Run) Restore(runID string, readings []reading.Reading, startedAt, lastAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID != "" {
		b.id = runID
	}
	b.readings = append([]reading.Reading(nil), readings...)
	b.startedAt = time.Time{}
	b.lastAt = time.Time{}
	if len(b.readings) > 0 {
		b.startedAt = startedAt.UTC()
		b.lastAt = lastAt.UTC()
	}
}

// Readings returns a copy of the run in arrival order.
func (b *Run) Readings() []reading.Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]reading.Reading, len(b.readings))
	copy(out, b.readings)
	return out
}

// Recent returns up to n of the newest readings, oldest first.
func (b *Run) Recent(n int) []reading.Reading {
	if n <= 0 {
		return []reading.Reading{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > len(b.readings) {
		n = len(b.readings)
	}
	out := make([]reading.Reading, n)
	copy(out, b.readings[len(b.readings)-n:])
	return out
}

// Count returns the number of readings in the run.
func (b *Run) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.readings)
}

// RunID returns the id of the current run.
func (b *Run) RunID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// Snapshot copies the run for export or summary.
func (b *Run) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]reading.Reading, len(b.readings))
	copy(out, b.readings)
	return Snapshot{
		RunID:     b.id,
		StartedAt: b.startedAt,
		LastAt:    b.lastAt,
		Readings:  out,
	}
}

// Duration is the span between the first and the last reading.
func (s Snapshot) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.LastAt.IsZero() {
		return 0
	}
	return s.LastAt.Sub(s.StartedAt)
}
