package main

import (
	"fmt"
	"os"
)

// ANSI escape sequences. All user-facing notes go to stderr so the report
// on stdout stays pipeable.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + ansiReset
}

func note(color, mark, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { note(ansiGreen, "✓", format, args...) }

func printError(format string, args ...any) { note(ansiRed, "✗", format, args...) }

func printWarning(format string, args ...any) { note(ansiYellow, "⚠", format, args...) }

func printStep(format string, args ...any) { note(ansiCyan, "→", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", colorize(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
