package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Printer writes console messages. Normal output goes to Out, errors to Err.
type Printer struct {
	Out io.Writer
	Err io.Writer
}

// New returns a printer writing to out and errOut.
func New(out, errOut io.Writer) *Printer {
	return &Printer{Out: out, Err: errOut}
}

var std = New(os.Stdout, os.Stderr)

// Default returns the printer used by the package-level helpers.
func Default() *Printer {
	return std
}

// Success prints a success message in green with a checkmark prefix
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.Out, msg)
}

// Info prints an informational message in the default color
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.Out, format, a...)
}

// Warning prints a warning message in yellow
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.Out, msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.Out, "→ %s", fmt.Sprintf(format, a...))
}

// Muted prints secondary detail such as timestamps.
func (p *Printer) Muted(format string, a ...any) {
	faint.Fprintf(p.Out, format, a...)
}

// Connection prints a one-line channel status badge.
func (p *Printer) Connection(connected bool, state, detail string) {
	if connected {
		green.Fprintf(p.Out, "● %s", state)
	} else {
		red.Fprintf(p.Out, "○ %s", state)
	}
	if detail != "" {
		fmt.Fprintf(p.Out, "  %s", detail)
	}
	fmt.Fprintln(p.Out)
}

// Error prints a formatted error with title, explanation and suggestions to
// Err and returns a simple error carrying the title for Cobra
func (p *Printer) Error(title string, explanation string, suggestions []string) error {
	return p.ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details listed in key order.
func (p *Printer) ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(p.Err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.Err, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for key := range context {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintf(p.Err, "\n")
		for _, key := range keys {
			fmt.Fprintf(p.Err, "  %s: %s\n", key, context[key])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(p.Err, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(p.Err, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(p.Err, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(p.Err, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Return simple error for Cobra (won't be printed due to SilenceErrors)
	return fmt.Errorf("%s", title)
}

// Println prints a plain message (for output that doesn't need coloring)
func (p *Printer) Println(a ...any) {
	fmt.Fprintln(p.Out, a...)
}

// Printf prints a plain formatted message (for output that doesn't need coloring)
func (p *Printer) Printf(format string, a ...any) {
	fmt.Fprintf(p.Out, format, a...)
}

// Package-level helpers write through Default.

func Success(format string, a ...any) { std.Success(format, a...) }
func Info(format string, a ...any)    { std.Info(format, a...) }
func Warning(format string, a ...any) { std.Warning(format, a...) }
func Step(format string, a ...any)    { std.Step(format, a...) }
func Println(a ...any)                { std.Println(a...) }
func Printf(format string, a ...any)  { std.Printf(format, a...) }

func Error(title string, explanation string, suggestions []string) error {
	return std.Error(title, explanation, suggestions)
}

func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	return std.ErrorWithContext(title, explanation, context, suggestions)
}
