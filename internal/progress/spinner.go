package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// spinnerFrames defines the animation characters for the spinner.
var spinnerFrames = []string{"|", "/", "-", "\\"}

// spinnerInterval is the time between spinner frame updates.
const spinnerInterval = 100 * time.Millisecond

// lineWidth is the width cleared before redrawing a status line.
const lineWidth = 80

// Spinner shows an animated line while a check runs. In non-TTY
// environments it prints the message once without animation.
type Spinner struct {
	mu       sync.Mutex
	output   io.Writer
	message  string
	started  time.Time
	done     chan struct{}
	finished chan struct{}
	running  bool
	isTTY    bool
}

// NewSpinner creates a spinner that writes to output (os.Stderr when nil).
func NewSpinner(output io.Writer) *Spinner {
	if output == nil {
		output = os.Stderr
	}
	return &Spinner{
		output: output,
		isTTY:  ShouldShowProgress(),
	}
}

// Start shows message. A running spinner is stopped first.
func (s *Spinner) Start(message string) {
	s.Stop()

	s.mu.Lock()
	s.message = message
	s.started = time.Now()
	s.running = true
	s.done = make(chan struct{})
	s.finished = make(chan struct{})
	s.mu.Unlock()

	if !s.isTTY {
		fmt.Fprintf(s.output, "%s\n", message)
		close(s.finished)
		return
	}

	go s.animate(s.done, s.finished)
}

// SetMessage updates the message while the spinner runs.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Stop halts the animation and clears the line. It is a no-op when the
// spinner is not running.
func (s *Spinner) Stop() {
	if !s.halt() {
		return
	}
	if s.isTTY {
		fmt.Fprintf(s.output, "\r%s\r", strings.Repeat(" ", lineWidth))
	}
}

// StopWithMessage halts the spinner and prints a final message in place of
// the animated line.
func (s *Spinner) StopWithMessage(message string) {
	if !s.halt() {
		return
	}
	if s.isTTY {
		fmt.Fprintf(s.output, "\r%s\r%s\n", strings.Repeat(" ", lineWidth), message)
	} else {
		fmt.Fprintf(s.output, "%s\n", message)
	}
}

// halt stops the animation goroutine and waits for it to exit so no frame
// is written after it returns.
func (s *Spinner) halt() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}
	s.running = false
	done, finished := s.done, s.finished
	s.mu.Unlock()

	close(done)
	<-finished
	return true
}

func (s *Spinner) animate(done <-chan struct{}, finished chan<- struct{}) {
	defer close(finished)

	frame := 0
	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.message
			elapsed := time.Since(s.started)
			s.mu.Unlock()

			char := spinnerFrames[frame%len(spinnerFrames)]
			line := fmt.Sprintf("\r%s %s (%s)", char, msg, formatElapsed(elapsed))
			if len(line) < lineWidth {
				line += strings.Repeat(" ", lineWidth-len(line))
			}
			fmt.Fprint(s.output, line)

			frame++
		}
	}
}
