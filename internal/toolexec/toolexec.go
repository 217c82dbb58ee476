// Package toolexec runs the external tools check-build drives (readelf,
// ninja, pkg-config, the ABI dumper and comparator, git).
//
// Commands never inherit mutations of the process environment: extra
// variables are passed as a per-command overlay on top of os.Environ.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/tsukumogami/checkbuild/internal/log"
)

// Cmd describes one subprocess invocation.
type Cmd struct {
	Name string
	Args []string

	// Dir is the working directory; empty means the current directory.
	Dir string

	// Env is overlaid on the inherited environment for this command only.
	Env map[string]string
}

// String renders the command as a shell-quoted line for logs and errors.
func (c Cmd) String() string {
	return shellquote.Join(append([]string{c.Name}, c.Args...)...)
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Cmd    Cmd
	Result *Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Cmd.Name, e.Result.ExitCode)
	if tail := lastLines(e.Result.Stderr, 20); tail != "" {
		msg += "\n" + tail
	} else if tail := lastLines(e.Result.Stdout, 20); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

// Runner executes commands. Implementations return a *ExitError together
// with the populated Result when the command exits non-zero, and a plain
// error (nil Result) when it could not be started.
type Runner interface {
	Run(ctx context.Context, c Cmd) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, c Cmd) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, c Cmd) (*Result, error) {
	return f(ctx, c)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	timeout time.Duration
	logger  log.Logger
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithTimeout bounds every command. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *ExecRunner) {
		r.timeout = d
	}
}

// WithLogger sets the logger used for command tracing.
func WithLogger(l log.Logger) Option {
	return func(r *ExecRunner) {
		r.logger = l
	}
}

// NewExecRunner creates a Runner backed by os/exec.
func NewExecRunner(opts ...Option) *ExecRunner {
	r := &ExecRunner{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes c and captures its output.
func (r *ExecRunner) Run(ctx context.Context, c Cmd) (*Result, error) {
	logger := log.OrDefault(r.logger)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = MergeEnv(os.Environ(), c.Env)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("running command", "cmd", c.String(), "dir", c.Dir)
	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s timed out after %v", c.Name, r.timeout)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Cmd: c, Result: res}
		}
		return nil, fmt.Errorf("cannot run %s: %w", c.Name, err)
	}
	return res, nil
}

// Output runs c and returns its stdout, failing on any non-zero exit.
func Output(ctx context.Context, r Runner, c Cmd) ([]byte, error) {
	res, err := r.Run(ctx, c)
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// MergeEnv returns base with every key in overlay replaced or appended.
// Overlay keys are appended in sorted order so the result is deterministic.
func MergeEnv(base []string, overlay map[string]string) []string {
	env := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overlay[key]; replaced {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

func lastLines(b []byte, n int) string {
	s := strings.TrimRight(string(b), "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
