package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker counts ingest activity per feed for the periodic status line.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-reading increments don't fight over a mutex
	readings sync.Map // feed -> *atomic.Uint64
	exports  atomic.Uint64
	clears   atomic.Uint64
	start    atomic.Int64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementReadings records one reading accepted from feed.
func (t *Tracker) IncrementReadings(feed string) {
	incrementCounter(&t.readings, feed)
}

// IncrementExports records a completed export bundle.
func (t *Tracker) IncrementExports() {
	t.exports.Add(1)
}

// IncrementClears records an operator clear.
func (t *Tracker) IncrementClears() {
	t.clears.Add(1)
}

// GetReadingCounts returns a copy of per-feed reading counts
func (t *Tracker) GetReadingCounts() map[string]uint64 {
	return copyCounts(&t.readings)
}

// GetTotal returns the number of readings accepted across all feeds.
func (t *Tracker) GetTotal() uint64 {
	var total uint64
	t.readings.Range(func(_, value any) bool {
		total += value.(*atomic.Uint64).Load()
		return true
	})
	return total
}

// Exports returns the number of export bundles written.
func (t *Tracker) Exports() uint64 {
	return t.exports.Load()
}

// Clears returns the number of operator clears.
func (t *Tracker) Clears() uint64 {
	return t.clears.Load()
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// SnapshotLines returns human-readable counters ready for console display.
func (t *Tracker) SnapshotLines() []string {
	return []string{
		formatMapCounts("Readings by feed", &t.readings),
		fmt.Sprintf("Exports: %d  Clears: %d", t.exports.Load(), t.clears.Load()),
	}
}

func copyCounts(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	snapshot := copyCounts(counts)
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", k, snapshot[k])
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
