package linkcheck

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsukumogami/checkbuild/internal/config"
	"github.com/tsukumogami/checkbuild/internal/log"
	"github.com/tsukumogami/checkbuild/internal/ninja"
	"github.com/tsukumogami/checkbuild/internal/scratch"
	"github.com/tsukumogami/checkbuild/internal/verify"
)

// Checker runs the link verification checks against one build.
type Checker struct {
	rc      *config.RunContext
	exec    *ninja.Executor
	symbols verify.SymbolReader
	pkg     *PkgConfig
	logger  log.Logger
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
func NewChecker(rc *config.RunContext, exec *ninja.Executor, symbols verify.SymbolReader, pkg *PkgConfig, opts ...Option) *Checker {
	c := &Checker{rc: rc, exec: exec, symbols: symbols, pkg: pkg}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.OrDefault(c.logger)
	return c
}

// CheckStaticLibs links a probe referencing every public symbol of each
// library twice, preferring the static archive and then the shared object.
// Libraries without public symbols are skipped.
func (c *Checker) CheckStaticLibs(ctx context.Context) error {
	pairs, err := FindLibraryPairs(c.rc.LibDir())
	if err != nil {
		return verify.Wrap(verify.ErrConfig, c.rc.LibDir(), "cannot list library directory", err)
	}

	return scratch.With("static-libs", func(tmp string) error {
		g := ninja.New()
		for _, p := range pairs {
			table, err := c.symbols.Read(ctx, p.Shared)
			if err != nil {
				return err
			}
			syms := table.DefinedNames()
			if len(syms) == 0 {
				c.logger.Info("skipping library without public symbols", "library", p.Name)
				continue
			}

			src := filepath.Join(tmp, p.Name+"-test.c")
			if err := os.WriteFile(src, []byte(ProbeSource(syms)), 0644); err != nil {
				return verify.Wrap(verify.ErrTool, src, "cannot write probe source", err)
			}

			module := "lib" + p.Name
			static, err := c.pkg.Flags(ctx, module, true)
			if err != nil {
				return err
			}
			shared, err := c.pkg.Flags(ctx, module, false)
			if err != nil {
				return err
			}
			if err := AddLinkEdge(g, c.rc.CCCommand(), p.Name+"-static-out", src, static); err != nil {
				return err
			}
			if err := AddLinkEdge(g, c.rc.CCCommand(), p.Name+"-shared-out", src, shared); err != nil {
				return err
			}
			c.logger.Debug("added link probe", "library", p.Name, "symbols", len(syms))
		}

		if len(g.Builds()) == 0 {
			c.logger.Info("no static libraries to link")
			return nil
		}
		if err := c.exec.Run(ctx, tmp, g); err != nil {
			return verify.FromTool(verify.ErrLinkVerification, c.rc.LibDir(), "a probe program failed to link", err)
		}
		return nil
	})
}

// ProviderValues returns every value the static provider selection must
// accept: each provider, "none", "all" and the comma-joined full list.
func ProviderValues(providers []string) []string {
	sorted := append([]string(nil), providers...)
	sort.Strings(sorted)
	values := append(sorted, "none", "all")
	if len(sorted) > 0 {
		values = append(values, strings.Join(sorted, ","))
	}
	return values
}

// ListProviders returns the provider names in dir, dot files excluded.
func ListProviders(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// CheckStaticProviders compiles a program calling the device enumeration
// entry point once for every valid static provider selection.
func (c *Checker) CheckStaticProviders(ctx context.Context) error {
	sp := c.rc.Policy.StaticProviders

	if _, err := os.Stat(filepath.Join(c.rc.LibDir(), "lib"+sp.Library+".a")); err != nil {
		c.logger.Info("skipping static providers: no static library", "library", sp.Library)
		return nil
	}
	provDir := c.rc.SourcePath(sp.Dir)
	providers, err := ListProviders(provDir)
	if errors.Is(err, fs.ErrNotExist) {
		c.logger.Info("skipping static providers: no providers directory", "dir", provDir)
		return nil
	}
	if err != nil {
		return verify.Wrap(verify.ErrConfig, provDir, "cannot list providers", err)
	}

	flags, err := c.pkg.Flags(ctx, "lib"+sp.Library, true)
	if err != nil {
		return err
	}

	return scratch.With("static-providers", func(tmp string) error {
		src := filepath.Join(tmp, "providers-test.c")
		if err := os.WriteFile(src, []byte(ProviderSource(sp.Header, sp.EntryPoint)), 0644); err != nil {
			return verify.Wrap(verify.ErrTool, src, "cannot write provider test source", err)
		}

		g := ninja.New()
		for i, v := range ProviderValues(providers) {
			edgeFlags := append([]string{fmt.Sprintf("-D%s=%s", sp.Define, v)}, flags...)
			if err := AddLinkEdge(g, c.rc.CCCommand(), fmt.Sprintf("providers-%d-out", i), src, edgeFlags); err != nil {
				return err
			}
			c.logger.Debug("added provider selection", "value", v)
		}

		if err := c.exec.Run(ctx, tmp, g); err != nil {
			return verify.FromTool(verify.ErrLinkVerification, provDir, "a static provider selection was rejected", err)
		}
		return nil
	})
}
