// Package printer renders CLI output: coloured status lines and structured
// error reports that cobra returns silently.
package printer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/parley/pkg/message"
	"github.com/fatih/color"
)

func init() {
	// Force colour even without a TTY; NO_COLOR disables it.
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

// Printer writes to an output and an error stream.
type Printer struct {
	out io.Writer
	err io.Writer
}

// New creates a printer. Commands receive one wired to cobra's streams so
// tests can capture output.
func New(out, errOut io.Writer) *Printer {
	return &Printer{out: out, err: errOut}
}

var std = New(os.Stdout, os.Stderr)

// Out returns the output stream.
func (p *Printer) Out() io.Writer { return p.out }

// Success prints a green line with a checkmark prefix.
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.out, msg)
}

// Info prints in the default colour.
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Warning prints a yellow line with a warning prefix to the error stream,
// keeping machine-readable output clean.
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.err, msg)
}

// Step prints an emphasised progress line.
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.out, "→ %s", fmt.Sprintf(format, a...))
}

// Status returns a delivery status coloured by outcome.
func Status(s message.Status) string {
	switch s {
	case message.StatusDelivered:
		return green.Sprint(string(s))
	case message.StatusAbandoned:
		return red.Sprint(string(s))
	case message.StatusFailed:
		return yellow.Sprint(string(s))
	default:
		return faint.Sprint(string(s))
	}
}

// Error prints a title, an explanation and suggestions to the error stream
// and returns an error carrying only the title (cobra is run with
// SilenceErrors, so nothing is printed twice).
func (p *Printer) Error(title, explanation string, suggestions []string) error {
	return p.ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func (p *Printer) ErrorWithContext(title, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(p.err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.err, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintln(p.err)
		for _, k := range keys {
			fmt.Fprintf(p.err, "  %s: %s\n", k, context[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(p.err, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(p.err, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(p.err, "  %d. %s\n", i+1, s)
		}
	}

	return &ReportedError{Title: title}
}

// ReportedError is returned by Error and ErrorWithContext once the report
// has been written.
type ReportedError struct {
	Title string
}

func (e *ReportedError) Error() string { return e.Title }

// IsReported reports whether err, or an error it wraps, has already been
// printed by a Printer.
func IsReported(err error) bool {
	var r *ReportedError
	return errors.As(err, &r)
}

// Package-level helpers write to stdout/stderr.

func Success(format string, a ...any) { std.Success(format, a...) }
func Info(format string, a ...any)    { std.Info(format, a...) }
func Warning(format string, a ...any) { std.Warning(format, a...) }
func Step(format string, a ...any)    { std.Step(format, a...) }

func Error(title, explanation string, suggestions []string) error {
	return std.Error(title, explanation, suggestions)
}

func ErrorWithContext(title, explanation string, context map[string]string, suggestions []string) error {
	return std.ErrorWithContext(title, explanation, context, suggestions)
}
