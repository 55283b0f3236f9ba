package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"

	"brickbench/commands"
)

const consolePrompt = "bench> "

// Purpose: Read operator commands line by line and print the replies.
// Key aspects: Returns true when the operator typed BYE, false on EOF.
// The prompt is only printed for an interactive terminal.
// Upstream: main.
// Downstream: commands.Processor.ProcessCommand.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, proc *commands.Processor, prompt bool) bool {
	scanner := bufio.NewScanner(in)
	if prompt {
		fmt.Fprint(out, consolePrompt)
	}
	for scanner.Scan() {
		resp := proc.ProcessCommand(ctx, scanner.Text())
		if resp == "BYE" {
			fmt.Fprintln(out, "Bye.")
			return true
		}
		if resp != "" {
			fmt.Fprint(out, resp)
		}
		if prompt {
			fmt.Fprint(out, consolePrompt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Console: read failed: %v", err)
	}
	return false
}
