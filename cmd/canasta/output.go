package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

const (
	colorRed    = color.FgRed
	colorGreen  = color.FgGreen
	colorYellow = color.FgYellow
	colorCyan   = color.FgCyan
	colorBold   = color.Bold
)

func colorize(attr color.Attribute, text string) string {
	c := color.New(attr)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c.Sprint(text)
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}
