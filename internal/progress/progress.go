// Package progress prints per-check status lines, animated on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// IsTerminalFunc is the function used to check if a file descriptor is a terminal.
// It can be overridden for testing.
var IsTerminalFunc = term.IsTerminal

// Status reports the progress of a sequence of checks: a spinner while one
// runs and a PASS/FAIL line when it ends.
type Status struct {
	out     io.Writer
	spinner *Spinner
	quiet   bool
}

// NewStatus creates a Status writing to out. A quiet Status prints nothing.
func NewStatus(out io.Writer, quiet bool) *Status {
	if out == nil {
		out = os.Stdout
	}
	return &Status{out: out, spinner: NewSpinner(out), quiet: quiet}
}

// Begin announces a check.
func (s *Status) Begin(name, description string) {
	if s.quiet {
		return
	}
	s.spinner.Start(fmt.Sprintf("%s: %s", name, description))
}

// End prints the outcome of the check announced last.
func (s *Status) End(name string, err error, elapsed time.Duration) {
	if s.quiet {
		return
	}
	result := "PASS"
	if err != nil {
		result = "FAIL"
	}
	s.spinner.StopWithMessage(fmt.Sprintf("[%s] %s (%s)", result, name, formatElapsed(elapsed)))
}

// formatElapsed formats a duration as 0.4s, 12.0s, 1:05 or 1:01:01.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	s := int(d.Seconds())
	if s >= 3600 {
		return fmt.Sprintf("%d:%02d:%02d", s/3600, (s%3600)/60, s%60)
	}
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// ShouldShowProgress returns true if progress should be displayed.
// Progress is shown when stdout is a terminal.
func ShouldShowProgress() bool {
	return IsTerminalFunc(int(os.Stdout.Fd()))
}
