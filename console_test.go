package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"brickbench/acquisition"
	"brickbench/commands"
	"brickbench/reading"
)

func TestRunConsoleStopsAtBye(t *testing.T) {
	session := acquisition.NewSession(acquisition.Options{ExportDir: t.TempDir()})
	session.Consumer("mqtt")(reading.Reading{Temperature: 21.5, Humidity: 40})

	in := strings.NewReader("status\nSTRAT\n\nbye\nshow\n")
	var out bytes.Buffer
	bye := runConsole(context.Background(), in, &out, commands.NewProcessor(session), false)
	if !bye {
		t.Fatalf("expected BYE to end the console")
	}
	got := out.String()
	if !strings.Contains(got, "State: idle") {
		t.Fatalf("expected status output, got %q", got)
	}
	if !strings.Contains(got, "did you mean START?") {
		t.Fatalf("expected a suggestion for the typo, got %q", got)
	}
	if !strings.HasSuffix(got, "Bye.\n") {
		t.Fatalf("expected output to end at BYE, got %q", got)
	}
	if strings.Contains(got, consolePrompt) {
		t.Fatalf("did not expect a prompt for non-interactive input")
	}
}

func TestRunConsoleReturnsFalseAtEOF(t *testing.T) {
	session := acquisition.NewSession(acquisition.Options{ExportDir: t.TempDir()})
	var out bytes.Buffer
	bye := runConsole(context.Background(), strings.NewReader("help\n"), &out, commands.NewProcessor(session), true)
	if bye {
		t.Fatalf("EOF must not count as BYE")
	}
	if !strings.Contains(out.String(), "Available commands:") {
		t.Fatalf("expected help text, got %q", out.String())
	}
	if strings.Count(out.String(), consolePrompt) != 2 {
		t.Fatalf("expected a prompt before and after the command, got %q", out.String())
	}
}
