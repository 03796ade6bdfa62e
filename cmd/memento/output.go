package main

import (
	"fmt"
	"os"
)

// Human-facing CLI output goes to stderr so stdout stays parseable JSON.

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func eprintln(color, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	eprintln(colorGreen, "✓ ", format, args...)
}

func printError(format string, args ...any) {
	eprintln(colorRed, "✗ ", format, args...)
}

func printWarning(format string, args ...any) {
	eprintln(colorYellow, "⚠ ", format, args...)
}

func printStep(format string, args ...any) {
	eprintln(colorCyan, "→ ", format, args...)
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n",
		colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
