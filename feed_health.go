package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"brickbench/acquisition"
	"brickbench/feed"
)

const feedHealthLogPrefix = "Feed Health: "

type feedHealthState struct {
	connected   bool
	idle        bool
	initialized bool
}

// feedHealthMonitor remembers the last reported state per feed so only
// connected/idle transitions are logged.
type feedHealthMonitor struct {
	idleAfter time.Duration
	states    map[string]feedHealthState
}

func newFeedHealthMonitor(idleAfter time.Duration) *feedHealthMonitor {
	if idleAfter <= 0 {
		idleAfter = time.Minute
	}
	return &feedHealthMonitor{idleAfter: idleAfter, states: make(map[string]feedHealthState)}
}

// check returns one line per feed whose state changed since the last call.
func (m *feedHealthMonitor) check(sources []acquisition.SourceStatus, now time.Time) []string {
	var lines []string
	for _, src := range sources {
		idle := feedIsIdle(src.Health, now, m.idleAfter)
		state := m.states[src.Name]
		if state.initialized && state.connected == src.Health.Connected && state.idle == idle {
			continue
		}
		m.states[src.Name] = feedHealthState{connected: src.Health.Connected, idle: idle, initialized: true}
		lines = append(lines, formatFeedHealthLine(src.Name, src.Health, idle, now))
	}
	return lines
}

// Purpose: Periodically log feed health transitions with low noise.
// Key aspects: Only logs while collecting; reports connected/idle changes.
// Upstream: main startup.
// Downstream: feedHealthMonitor.check, log.Printf.
func startFeedHealthMonitor(ctx context.Context, session *acquisition.Session, interval, idleAfter time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	monitor := newFeedHealthMonitor(idleAfter)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := session.Status()
				if !st.Collecting {
					continue
				}
				for _, line := range monitor.check(st.Sources, time.Now().UTC()) {
					log.Printf("%s%s", feedHealthLogPrefix, line)
				}
			}
		}
	}()
}

func feedIsIdle(h feed.Health, now time.Time, threshold time.Duration) bool {
	last := h.LastReadingAt
	if last.IsZero() {
		last = h.LastMessageAt
	}
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > threshold
}

func formatFeedHealthLine(name string, h feed.Health, idle bool, now time.Time) string {
	status := "connected"
	if !h.Connected {
		status = "disconnected"
	}
	state := "active"
	if idle {
		state = "idle"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", name, status, state)
	if !h.LastMessageAt.IsZero() {
		b.WriteString(" last_msg=" + ageString(now, h.LastMessageAt))
	}
	if !h.LastReadingAt.IsZero() {
		b.WriteString(" last_reading=" + ageString(now, h.LastReadingAt))
	}
	var dropParts []string
	if h.Drops > 0 {
		dropParts = append(dropParts, fmt.Sprintf("payload=%d", h.Drops))
	}
	if h.ParseErrors > 0 {
		dropParts = append(dropParts, fmt.Sprintf("parse=%d", h.ParseErrors))
	}
	if len(dropParts) > 0 {
		b.WriteString(" drops=" + strings.Join(dropParts, ","))
	}
	if !h.LastParseErrAt.IsZero() {
		b.WriteString(" last_parse_err=" + ageString(now, h.LastParseErrAt))
	}
	return b.String()
}

func ageString(now, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	if age < time.Second {
		return "0s"
	}
	return age.Truncate(time.Second).String()
}
