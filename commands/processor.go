// Package commands implements the line-oriented operator console. Each command
// maps onto one acquisition operation; replies are plain text ready to print.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"brickbench/acquisition"
	"brickbench/archive"
	"brickbench/export"
	"brickbench/feed"
	"brickbench/reading"
	"brickbench/stats"

	"github.com/agnivade/levenshtein"
	"github.com/dustin/go-humanize"
)

// Controller is the acquisition surface the console drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Clear() (string, error)
	Export(ctx context.Context, dest string) (export.Result, error)
	Summary() (stats.Summary, error)
	Recent(n int) []reading.Reading
	Status() acquisition.Status
	Runs(limit int) ([]archive.RunInfo, error)
	SendSetpoint(ctx context.Context, sp feed.Setpoint) error
}

// knownCommands feeds the "did you mean" suggestion for typos.
var knownCommands = []string{"START", "STOP", "CLEAR", "EXPORT", "SUMMARY", "SHOW", "STATUS", "RUNS", "SETPOINT", "HELP", "BYE", "QUIT", "EXIT"}

const maxSuggestDistance = 2

// Processor handles console command parsing and replies.
type Processor struct {
	ctrl Controller
	now  func() time.Time
}

func NewProcessor(ctrl Controller) *Processor {
	return &Processor{ctrl: ctrl, now: time.Now}
}

// ProcessCommand parses a single console command and returns the response
// text. A response of "BYE" signals the caller to close the console.
func (p *Processor) ProcessCommand(ctx context.Context, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	fields := strings.Fields(line)
	command := strings.ToUpper(fields[0])
	args := fields[1:]

	switch command {
	case "HELP", "H", "?":
		return p.handleHelp()
	case "START":
		return p.handleStart(ctx)
	case "STOP":
		return p.handleStop()
	case "CLEAR":
		return p.handleClear()
	case "EXPORT":
		// Keep the path as typed: case and inner spaces matter.
		return p.handleExport(ctx, strings.TrimSpace(line[len(fields[0]):]))
	case "SUMMARY", "STATS":
		return p.handleSummary()
	case "SHOW", "SH":
		return p.handleShow(args)
	case "STATUS":
		return p.handleStatus()
	case "RUNS":
		return p.handleRuns(args)
	case "SETPOINT", "SP":
		return p.handleSetpoint(ctx, args)
	case "BYE", "QUIT", "EXIT":
		return "BYE"
	default:
		if suggestion := suggest(command); suggestion != "" {
			return fmt.Sprintf("Unknown command: %s (did you mean %s?)\nType HELP for available commands.\n", command, suggestion)
		}
		return fmt.Sprintf("Unknown command: %s\nType HELP for available commands.\n", command)
	}
}

func suggest(command string) string {
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, known := range knownCommands {
		if d := levenshtein.ComputeDistance(command, known); d < bestDist {
			best, bestDist = known, d
		}
	}
	return best
}

func (p *Processor) handleHelp() string {
	return `Available commands:
START            - Connect the sensor feeds and start collecting
STOP             - Stop collecting (the run is kept)
CLEAR            - Discard the current run and start a new one
EXPORT [path]    - Write data.csv, charts and report.pdf into a ZIP bundle
SUMMARY          - Mean/min/max per metric for the current run
SHOW [count]     - Show the last N readings (default: 10, max 100)
STATUS           - Feed health and run progress
RUNS [count]     - List archived runs (default: 10)
SETPOINT <t> <w> - Send target temperature (C) and wind speed (m/s) to the node
HELP             - Show this help
BYE              - Leave the console
`
}

func (p *Processor) handleStart(ctx context.Context) string {
	err := p.ctrl.Start(ctx)
	switch {
	case err == nil:
		return "Collecting.\n"
	case errors.Is(err, acquisition.ErrCollecting):
		return "Already collecting.\n"
	default:
		return fmt.Sprintf("Start failed: %v\n", err)
	}
}

func (p *Processor) handleStop() string {
	err := p.ctrl.Stop()
	switch {
	case errors.Is(err, acquisition.ErrNotCollecting):
		return "Not collecting.\n"
	case err != nil:
		return fmt.Sprintf("Stopped with errors: %v\n", err)
	}
	return fmt.Sprintf("Stopped. Run holds %s readings.\n", humanize.Comma(int64(p.ctrl.Status().Readings)))
}

func (p *Processor) handleClear() string {
	runID, err := p.ctrl.Clear()
	if err != nil {
		return fmt.Sprintf("Cleared run %s with errors: %v\n", runID, err)
	}
	return fmt.Sprintf("Cleared. New run %s.\n", runID)
}

func (p *Processor) handleExport(ctx context.Context, dest string) string {
	res, err := p.ctrl.Export(ctx, dest)
	switch {
	case errors.Is(err, export.ErrNoReadings):
		return fmt.Sprintf("Exported empty run to %s (no readings collected).\n", res.Path)
	case err != nil:
		return fmt.Sprintf("Export failed: %v\n", err)
	}
	return fmt.Sprintf("Exported %s readings to %s (%s, digest %s).\n",
		humanize.Comma(int64(res.Readings)), res.Path, humanize.Bytes(uint64(res.Bytes)), res.Digest)
}

func (p *Processor) handleSummary() string {
	sum, err := p.ctrl.Summary()
	if errors.Is(err, stats.ErrEmptySet) {
		return "No readings collected.\n"
	}
	if err != nil {
		return fmt.Sprintf("Summary failed: %v\n", err)
	}
	return strings.Join(sum.Lines(), "\n") + "\n"
}

// parseCount reads an optional 1-100 count argument.
func parseCount(args []string) (int, bool) {
	if len(args) == 0 {
		return 10, true
	}
	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 || count > 100 {
		return 0, false
	}
	return count, true
}

// handleShow renders the most recent N readings, oldest first.
func (p *Processor) handleShow(args []string) string {
	count, ok := parseCount(args)
	if !ok {
		return "Invalid count. Use 1-100.\n"
	}
	recent := p.ctrl.Recent(count)
	if len(recent) == 0 {
		return "No readings available.\n"
	}
	var b strings.Builder
	for i, r := range recent {
		fmt.Fprintf(&b, "%3d  %s\n", i+1, r.String())
	}
	return b.String()
}

func (p *Processor) handleStatus() string {
	st := p.ctrl.Status()
	var b strings.Builder
	state := "idle"
	if st.Collecting {
		state = "collecting"
	}
	fmt.Fprintf(&b, "State: %s\n", state)
	fmt.Fprintf(&b, "Run: %s (%s readings)\n", st.RunID, humanize.Comma(int64(st.Readings)))
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(&b, "First reading: %s, last: %s\n", humanize.RelTime(st.StartedAt, p.now(), "ago", "from now"), humanize.RelTime(st.LastAt, p.now(), "ago", "from now"))
	}
	for _, src := range st.Sources {
		h := src.Health
		conn := "disconnected"
		if h.Connected {
			conn = "connected"
		}
		fmt.Fprintf(&b, "Feed %s: %s, messages=%d readings=%d parse_errors=%d drops=%d\n",
			src.Name, conn, h.Messages, h.Readings, h.ParseErrors, h.Drops)
	}
	if st.ArchiveDrops > 0 {
		fmt.Fprintf(&b, "Archive drops: %s\n", humanize.Comma(int64(st.ArchiveDrops)))
	}
	return b.String()
}

func (p *Processor) handleRuns(args []string) string {
	count, ok := parseCount(args)
	if !ok {
		return "Invalid count. Use 1-100.\n"
	}
	runs, err := p.ctrl.Runs(count)
	if errors.Is(err, acquisition.ErrNoArchive) {
		return "Archive is disabled.\n"
	}
	if err != nil {
		return fmt.Sprintf("Runs query failed: %v\n", err)
	}
	if len(runs) == 0 {
		return "No archived runs.\n"
	}
	var b strings.Builder
	for _, run := range runs {
		ended := "open"
		if !run.Open() {
			ended = run.EndedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "%s  %s  %-19s  %s readings\n",
			run.ID, run.StartedAt.Local().Format("2006-01-02 15:04:05"), ended, humanize.Comma(int64(run.Readings)))
	}
	return b.String()
}

func (p *Processor) handleSetpoint(ctx context.Context, args []string) string {
	const usage = "Usage: SETPOINT <temperature> <wind_speed>\n"
	if len(args) != 2 {
		return usage
	}
	temp, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return usage
	}
	wind, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return usage
	}
	sp := feed.Setpoint{Temperature: temp, WindSpeed: wind}
	err = p.ctrl.SendSetpoint(ctx, sp)
	switch {
	case errors.Is(err, acquisition.ErrNoSetpointFeed):
		return "No feed has a command topic configured.\n"
	case err != nil:
		return fmt.Sprintf("Setpoint failed: %v\n", err)
	}
	return fmt.Sprintf("Setpoint sent: %.1f C, wind %.1f m/s.\n", temp, wind)
}
