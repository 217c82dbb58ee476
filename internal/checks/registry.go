// Package checks holds the verification routines and runs them against a
// build, one after another, stopping at the first failure.
package checks

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/tsukumogami/checkbuild/internal/config"
	"github.com/tsukumogami/checkbuild/internal/log"
	"github.com/tsukumogami/checkbuild/internal/toolexec"
	"github.com/tsukumogami/checkbuild/internal/verify"
)

// Env is what every routine receives. It is shared read-only across
// routines.
type Env struct {
	RC     *config.RunContext
	Runner toolexec.Runner
	Logger log.Logger
}

// Check is one independent verification routine.
type Check interface {
	Name() string
	Description() string
	Run(ctx context.Context, env *Env) error
}

type funcCheck struct {
	name string
	desc string
	fn   func(ctx context.Context, env *Env) error
}

func (c *funcCheck) Name() string        { return c.name }
func (c *funcCheck) Description() string { return c.desc }

func (c *funcCheck) Run(ctx context.Context, env *Env) error {
	return c.fn(ctx, env)
}

// New wraps fn as a Check.
func New(name, desc string, fn func(ctx context.Context, env *Env) error) Check {
	return &funcCheck{name: name, desc: desc, fn: fn}
}

// Registry holds checks in registration order.
type Registry struct {
	checks []Check
	names  map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register adds c. Names must be unique.
func (r *Registry) Register(c Check) error {
	if r.names[c.Name()] {
		return fmt.Errorf("check %q already registered", c.Name())
	}
	r.names[c.Name()] = true
	r.checks = append(r.checks, c)
	return nil
}

// MustRegister is Register for package-level setup.
func (r *Registry) MustRegister(c Check) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// All returns the registered checks in order.
func (r *Registry) All() []Check {
	out := make([]Check, len(r.checks))
	copy(out, r.checks)
	return out
}

// Select returns the checks whose names match at least one run pattern (all
// checks when run is empty) and no skip pattern. Patterns use path.Match
// syntax. A run pattern that matches nothing is an error, so typos do not
// silently turn a CI job green.
func (r *Registry) Select(run, skip []string) ([]Check, error) {
	for _, p := range append(append([]string{}, run...), skip...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, verify.Errorf(verify.ErrConfig, "", "invalid check pattern %q", p)
		}
	}

	for _, p := range run {
		found := false
		for _, c := range r.checks {
			if ok, _ := path.Match(p, c.Name()); ok {
				found = true
				break
			}
		}
		if !found {
			return nil, verify.Errorf(verify.ErrConfig, "", "no check matches %q", p)
		}
	}

	var out []Check
	for _, c := range r.checks {
		if len(run) > 0 && !matchAny(run, c.Name()) {
			continue
		}
		if matchAny(skip, c.Name()) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Reporter is told about each check as it runs.
type Reporter interface {
	Start(c Check)
	Finish(c Check, err error, elapsed time.Duration)
}

type nopReporter struct{}

func (nopReporter) Start(Check) {}

func (nopReporter) Finish(Check, error, time.Duration) {}

// Run executes checks sequentially and returns the first error. Checks after
// a failing one are not started.
func Run(ctx context.Context, env *Env, checks []Check, rep Reporter) error {
	if rep == nil {
		rep = nopReporter{}
	}
	logger := log.OrDefault(env.Logger)

	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Start(c)
		start := time.Now()
		err := c.Run(ctx, &Env{RC: env.RC, Runner: env.Runner, Logger: logger.With("check", c.Name())})
		rep.Finish(c, err, time.Since(start))
		if err != nil {
			return fmt.Errorf("%s: %w", c.Name(), err)
		}
	}
	return nil
}
