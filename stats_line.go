package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"brickbench/acquisition"
	"brickbench/stats"

	"github.com/dustin/go-humanize"
)

// Purpose: Emit a periodic one-line summary of the run and feeds.
// Key aspects: Reports the reading delta since the previous tick.
// Upstream: main startup (goroutine).
// Downstream: formatStatsLine, emit.
func displayStats(ctx context.Context, interval time.Duration, session *acquisition.Session, emit func(string)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var prevTotal uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker := session.Tracker()
			emit(formatStatsLine(session.Status(), tracker, prevTotal))
			prevTotal = tracker.GetTotal()
		}
	}
}

func formatStatsLine(st acquisition.Status, tracker *stats.Tracker, prevTotal uint64) string {
	total := tracker.GetTotal()
	delta := total
	if total >= prevTotal {
		delta = total - prevTotal
	}
	state := "idle"
	if st.Collecting {
		state = "collecting"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Stats: %s run=%s readings=%s (+%s)", state, shortID(st.RunID),
		humanize.Comma(int64(st.Readings)), humanize.Comma(int64(delta)))
	for _, src := range st.Sources {
		h := src.Health
		fmt.Fprintf(&b, " | %s %s/%s", src.Name, humanize.Comma(int64(h.Readings)), humanize.Comma(int64(h.Messages)))
		if h.ParseErrors > 0 {
			fmt.Fprintf(&b, " bad=%d", h.ParseErrors)
		}
	}
	fmt.Fprintf(&b, " | exports=%d clears=%d", tracker.Exports(), tracker.Clears())
	if st.ArchiveDrops > 0 {
		fmt.Fprintf(&b, " archive_drops=%s", humanize.Comma(int64(st.ArchiveDrops)))
	}
	fmt.Fprintf(&b, " | up %s", tracker.GetUptime().Truncate(time.Second))
	return b.String()
}

// shortID keeps the first UUID group, enough to tell runs apart in logs.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
