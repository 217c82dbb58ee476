package ninja

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tsukumogami/checkbuild/internal/log"
	"github.com/tsukumogami/checkbuild/internal/toolexec"
)

// Executor writes graphs to disk and runs ninja on them.
type Executor struct {
	runner toolexec.Runner
	ninja  string
	logger log.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(l log.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor creates an Executor running the given ninja command.
func NewExecutor(runner toolexec.Runner, ninja string, opts ...ExecutorOption) *Executor {
	e := &Executor{runner: runner, ninja: ninja}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.OrDefault(e.logger)
	return e
}

// Write serializes g to <dir>/build.ninja and returns the file path.
func Write(dir string, g *Graph) (string, error) {
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(g.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Run writes g into dir and builds its defaults, or targets when given.
// A failing edge is reported as a *toolexec.ExitError carrying ninja's output.
func (e *Executor) Run(ctx context.Context, dir string, g *Graph, targets ...string) error {
	if _, err := Write(dir, g); err != nil {
		return err
	}
	e.logger.Debug("running build graph", "dir", dir, "edges", len(g.Builds()), "defaults", len(g.Defaults()))

	args := append([]string{"-C", dir}, targets...)
	_, err := e.runner.Run(ctx, toolexec.Cmd{Name: e.ninja, Args: args})
	return err
}

// Install runs the install target of an existing build directory with
// DESTDIR pointing at destDir.
func (e *Executor) Install(ctx context.Context, buildDir, destDir string) error {
	e.logger.Info("installing into scratch prefix", "build", buildDir, "destdir", destDir)
	_, err := e.runner.Run(ctx, toolexec.Cmd{
		Name: e.ninja,
		Args: []string{"-C", buildDir, "install"},
		Env:  map[string]string{"DESTDIR": destDir},
	})
	return err
}
