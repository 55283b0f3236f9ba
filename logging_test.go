package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"brickbench/config"
)

func TestLogFileNameForDate(t *testing.T) {
	when := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if got := logFileNameForDate(when); got != "22-Jan-2026.log" {
		t.Fatalf("expected log filename to be 22-Jan-2026.log, got %q", got)
	}
}

func TestParseLogFileDate(t *testing.T) {
	parsed, ok := parseLogFileDate("22-Jan-2026.log")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if parsed.Year() != 2026 || parsed.Month() != time.January || parsed.Day() != 22 {
		t.Fatalf("unexpected parsed date: %s", parsed.Format(time.RFC3339))
	}
	if _, ok := parseLogFileDate("notes.txt"); ok {
		t.Fatalf("expected non-log file to be rejected")
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"20-Jan-2026.log",
		"21-Jan-2026.log",
		"22-Jan-2026.log",
		"notes.txt",
	}
	for _, name := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := cleanupOldLogs(dir, now, 2); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	expectMissing := []string{"20-Jan-2026.log"}
	for _, name := range expectMissing {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			t.Fatalf("expected %s to be removed", name)
		} else if !os.IsNotExist(err) {
			t.Fatalf("stat %s: %v", name, err)
		}
	}
	expectPresent := []string{"21-Jan-2026.log", "22-Jan-2026.log", "notes.txt"}
	for _, name := range expectPresent {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkSwitchesFilesAtMidnight(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 7)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	day1 := time.Date(2026, time.January, 22, 23, 59, 0, 0, time.UTC)
	sink.WriteLine("first", day1)
	sink.WriteLine("second", day1.Add(2*time.Minute))

	for name, want := range map[string]string{
		"22-Jan-2026.log": "2026/01/22 23:59:00 first\n",
		"23-Jan-2026.log": "2026/01/23 00:01:00 second\n",
	} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != want {
			t.Fatalf("%s = %q, want %q", name, data, want)
		}
	}
}

type captureSink struct {
	lines []string
}

func (c *captureSink) WriteLine(line string, _ time.Time) { c.lines = append(c.lines, line) }
func (c *captureSink) Close() error                       { return nil }

func TestLogFanoutSplitsLines(t *testing.T) {
	console := &captureSink{}
	file := &captureSink{}
	fanout := &logFanout{console: console, file: file, now: time.Now}

	fanout.Write([]byte("MQTT: conn"))
	fanout.Write([]byte("ected\r\nSerial: open\n"))
	if len(console.lines) != 2 || console.lines[0] != "MQTT: connected" || console.lines[1] != "Serial: open" {
		t.Fatalf("unexpected console lines: %q", console.lines)
	}
	if len(file.lines) != 2 {
		t.Fatalf("expected file sink to receive both lines, got %q", file.lines)
	}

	fanout.WriteFileOnly("Status: 10 readings")
	if len(console.lines) != 2 || file.lines[2] != "Status: 10 readings" {
		t.Fatalf("file-only line leaked to console or was lost: console=%q file=%q", console.lines, file.lines)
	}

	fanout.Write(bytes.Repeat([]byte("x"), maxPartialLineBytes+1))
	if len(console.lines) != 3 || len(console.lines[2]) != maxPartialLineBytes+1 {
		t.Fatalf("expected oversized partial line to be flushed")
	}
}

func TestSetupLoggingWritesConsoleAndFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: dir, RetentionDays: 3}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	logger := log.New(fanout, "", 0)
	logger.Print("Archive: ready")
	if err := fanout.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.HasSuffix(console.String(), " Archive: ready\n") {
		t.Fatalf("unexpected console output %q", console.String())
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file, got %v (%v)", entries, err)
	}

	fanout, err = setupLogging(config.LoggingConfig{Enabled: false}, &console)
	if err != nil || fanout.file != nil {
		t.Fatalf("expected console-only fanout when file logging is disabled")
	}
}
