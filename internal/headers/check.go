package headers

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/tsukumogami/checkbuild/internal/config"
	"github.com/tsukumogami/checkbuild/internal/log"
	"github.com/tsukumogami/checkbuild/internal/ninja"
	"github.com/tsukumogami/checkbuild/internal/scratch"
	"github.com/tsukumogami/checkbuild/internal/verify"
)

// Checker runs the header compilation checks against one build.
type Checker struct {
	rc     *config.RunContext
	exec   *ninja.Executor
	logger log.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Checker) {
		c.logger = l
	}
}

// NewChecker creates a Checker.
func NewChecker(rc *config.RunContext, exec *ninja.Executor, opts ...Option) *Checker {
	c := &Checker{rc: rc, exec: exec}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.OrDefault(c.logger)
	return c
}

// buildHeaders returns the non-obsolete, non-fixup headers of <build>/include.
func (c *Checker) buildHeaders() ([]string, error) {
	incdir := c.rc.IncludeDir()
	all, err := Collect(incdir)
	if err != nil {
		return nil, verify.Wrap(verify.ErrConfig, incdir, "cannot list build headers", err)
	}
	hp := c.rc.Policy.Headers
	kept, err := Filter(all, hp.ObsoleteMarker, hp.FixupDir)
	if err != nil {
		return nil, verify.Wrap(verify.ErrConfig, incdir, "cannot read build headers", err)
	}
	c.logger.Debug("collected build headers", "total", len(all), "checked", len(kept))
	return kept, nil
}

// CheckPublished compiles every header of <build>/include on its own in C
// mode, catching headers with implicit dependencies.
func (c *Checker) CheckPublished(ctx context.Context) error {
	incdir := c.rc.IncludeDir()
	hdrs, err := c.buildHeaders()
	if err != nil {
		return err
	}

	return scratch.With("published-headers", func(tmp string) error {
		g, err := BuildCompileGraph(c.rc.CCCommand(), c.rc.CXXCommand(), incdir, hdrs, false)
		if err != nil {
			return err
		}
		if err := c.exec.Run(ctx, tmp, g); err != nil {
			return verify.FromTool(verify.ErrHeaderLeak, incdir, "a published header does not compile on its own", err)
		}
		return nil
	})
}

// CheckInstalled installs the build into a scratch prefix, poisons every
// internal header at its include path, checks the C++ linkage guard of
// every installed header and compiles the installed set in C and C++.
// Obsolete headers are guard-checked but not compiled.
func (c *Checker) CheckInstalled(ctx context.Context) error {
	buildHdrs, err := c.buildHeaders()
	if err != nil {
		return err
	}
	buildRel, err := Relative(c.rc.IncludeDir(), buildHdrs)
	if err != nil {
		return verify.Wrap(verify.ErrConfig, c.rc.IncludeDir(), "cannot relativize build headers", err)
	}

	return scratch.With("installed-headers", func(tmp string) error {
		dest := filepath.Join(tmp, "destdir")
		if err := c.exec.Install(ctx, c.rc.BuildDir, dest); err != nil {
			return verify.FromTool(verify.ErrTool, c.rc.BuildDir, "install into scratch prefix failed", err)
		}

		installed, err := Collect(dest)
		if err != nil {
			return verify.Wrap(verify.ErrTool, dest, "cannot list installed headers", err)
		}
		if len(installed) == 0 {
			return verify.Errorf(verify.ErrConfig, dest, "install step did not install any header")
		}
		root := IncludeRoot(installed)
		installedRel, err := Relative(root, installed)
		if err != nil {
			return verify.Wrap(verify.ErrTool, root, "cannot relativize installed headers", err)
		}
		c.logger.Info("installed headers", "root", root, "count", len(installed))

		poisoned, err := Poison(root, InternalHeaders(buildRel, installedRel, c.rc.Policy.Headers.IsAllowedUAPI), c.rc.Policy.Headers.Poison)
		if err != nil {
			return err
		}
		c.logger.Debug("poisoned internal headers", "count", len(poisoned))

		if err := CheckCXXGuards(root, installedRel, c.rc.Policy.Headers.CXXGuard, c.rc.Policy.Headers.IsNonCXX); err != nil {
			return err
		}

		hp := c.rc.Policy.Headers
		compiled, err := Filter(installed, hp.ObsoleteMarker, hp.FixupDir)
		if err != nil {
			return verify.Wrap(verify.ErrTool, root, "cannot read installed headers", err)
		}

		work := filepath.Join(tmp, "graph")
		if err := os.Mkdir(work, 0755); err != nil {
			return verify.Wrap(verify.ErrTool, work, "cannot create graph directory", err)
		}
		g, err := BuildCompileGraph(c.rc.CCCommand(), c.rc.CXXCommand(), root, compiled, true)
		if err != nil {
			return err
		}
		if err := c.exec.Run(ctx, work, g); err != nil {
			return verify.FromTool(verify.ErrHeaderLeak, root, "an installed header does not compile against the public headers alone", err)
		}
		return nil
	})
}

// InternalHeaders returns the build headers that were not installed, minus
// the allow-listed ones, sorted.
func InternalHeaders(buildRel, installedRel []string, allowed func(string) bool) []string {
	inst := make(map[string]bool, len(installedRel))
	for _, h := range installedRel {
		inst[h] = true
	}
	var out []string
	for _, h := range buildRel {
		if inst[h] || allowed(h) {
			continue
		}
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Poison writes content at root/<rel> for every rel, so that including any
// of them fails to compile. Nothing may already exist at those paths.
func Poison(root string, rel []string, content string) ([]string, error) {
	written := make([]string, 0, len(rel))
	for _, r := range rel {
		path := filepath.Join(root, filepath.FromSlash(r))
		if _, err := os.Lstat(path); err == nil {
			return written, verify.Errorf(verify.ErrHeaderLeak, path,
				"internal header %s already exists in the installed tree", r)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return written, verify.Wrap(verify.ErrTool, path, "cannot stat "+path, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return written, verify.Wrap(verify.ErrTool, path, "cannot create poisoned header directory", err)
		}
		if err := os.WriteFile(path, []byte(content+"\n"), 0644); err != nil {
			return written, verify.Wrap(verify.ErrTool, path, "cannot write poisoned header", err)
		}
		written = append(written, path)
	}
	return written, nil
}

// CheckCXXGuards requires every header under root, except the exempt ones,
// to contain guard.
func CheckCXXGuards(root string, rel []string, guard string, exempt func(string) bool) error {
	for _, r := range rel {
		if exempt(r) {
			continue
		}
		path := filepath.Join(root, filepath.FromSlash(r))
		data, err := os.ReadFile(path)
		if err != nil {
			return verify.Wrap(verify.ErrTool, path, "cannot read installed header", err)
		}
		if !bytes.Contains(data, []byte(guard)) {
			return verify.Errorf(verify.ErrHeaderLeak, path, "no %q in %s", guard, r)
		}
	}
	return nil
}
