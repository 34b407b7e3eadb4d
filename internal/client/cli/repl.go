package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

// execFn runs one command line, already split into words.
type execFn func(ctx context.Context, args []string) error

// runREPL reads commands from scanner until EOF, "exit" or "quit" and hands
// each line to exec. Errors are printed and the loop goes on; statusFn
// feeds the prompt.
func runREPL(ctx context.Context, exec execFn, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("roomies %s> ", statusFn()))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "exit", "quit":
			printlnFn("Bye!")
			return
		case "shell":
			printlnFn("Already in the shell")
			continue
		}

		if err := exec(ctx, parts); err != nil {
			printlnFn("Error:", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
