// Package abidiff compares the ABI of freshly built libraries against the
// dumps checked into the source tree.
package abidiff

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsukumogami/checkbuild/internal/config"
	"github.com/tsukumogami/checkbuild/internal/log"
	"github.com/tsukumogami/checkbuild/internal/scratch"
	"github.com/tsukumogami/checkbuild/internal/toolexec"
	"github.com/tsukumogami/checkbuild/internal/verify"
)

// Status is the outcome for one library.
type Status int

const (
	StatusCompatible Status = iota
	StatusIncompatible
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusCompatible:
		return "compatible"
	case StatusIncompatible:
		return "incompatible"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the comparison outcome for one library.
type Result struct {
	Library string
	Path    string
	Status  Status

	// Report is the HTML report of the comparator. It lives in the scratch
	// directory and is gone once Run returns.
	Report string
}

// Differ dumps libraries with abi-dumper and compares them with
// abi-compliance-checker.
type Differ struct {
	runner      toolexec.Runner
	dumper      string
	checker     string
	baselineDir string
	headersDir  string
	logger      log.Logger
}

// Option configures a Differ.
type Option func(*Differ)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(d *Differ) {
		d.logger = l
	}
}

// NewDiffer creates a Differ reading baselines from baselineDir and passing
// headersDir as the public header set to the dumper.
func NewDiffer(runner toolexec.Runner, dumper, checker, baselineDir, headersDir string, opts ...Option) *Differ {
	d := &Differ{
		runner:      runner,
		dumper:      dumper,
		checker:     checker,
		baselineDir: baselineDir,
		headersDir:  headersDir,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.OrDefault(d.logger)
	return d
}

// Diff compares one shared object inside the scratch directory tmp.
func (d *Differ) Diff(ctx context.Context, tmp, path string) (Result, error) {
	lib, err := verify.ParseLibraryFilename(filepath.Base(path))
	if err != nil {
		return Result{}, err
	}
	res := Result{Library: lib.Name, Path: path}

	// Every library is dumped, so a library the dumper cannot handle fails
	// even before it has a baseline.
	current := filepath.Join(tmp, lib.Name+".dump")
	_, err = d.runner.Run(ctx, toolexec.Cmd{
		Name: d.dumper,
		Args: []string{path, "-o", current, "-lver", fmt.Sprintf("%d.%s.%s", lib.Major, lib.Minor, lib.Version), "-public-headers", d.headersDir},
	})
	if err != nil {
		return res, verify.Wrap(verify.ErrTool, path, "abi-dumper failed for "+lib.Name, err)
	}

	base, comp, ok, err := FindBaseline(d.baselineDir, lib.Name)
	if err != nil {
		return res, verify.Wrap(verify.ErrConfig, d.baselineDir, "cannot look up ABI baseline", err)
	}
	if !ok {
		d.logger.Info("no ABI baseline, skipping", "library", lib.Name)
		res.Status = StatusSkipped
		return res, nil
	}

	old, err := Materialize(base, comp, tmp)
	if err != nil {
		return res, verify.Wrap(verify.ErrConfig, base, "cannot read ABI baseline", err)
	}

	res.Report = filepath.Join(tmp, lib.Name+"-report.html")
	_, err = d.runner.Run(ctx, toolexec.Cmd{
		Name: d.checker,
		Args: []string{"-l", lib.Name, "-old", old, "-new", current, "-report-path", res.Report},
	})
	var exitErr *toolexec.ExitError
	switch {
	case err == nil:
		res.Status = StatusCompatible
	case errors.As(err, &exitErr) && exitErr.Result.ExitCode == 1:
		res.Status = StatusIncompatible
	default:
		return res, verify.Wrap(verify.ErrTool, path, "abi-compliance-checker failed for "+lib.Name, err)
	}
	d.logger.Debug("ABI compared", "library", lib.Name, "status", res.Status)
	return res, nil
}

// Run compares every path in its own scratch directory and returns one
// result per library. It stops at the first tool or configuration error.
func (d *Differ) Run(ctx context.Context, paths []string) ([]Result, error) {
	results := make([]Result, 0, len(paths))
	err := scratch.With("abi", func(tmp string) error {
		for _, p := range paths {
			r, err := d.Diff(ctx, tmp, p)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		return nil
	})
	return results, err
}

// Incompatible returns the libraries whose ABI broke.
func Incompatible(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Status == StatusIncompatible {
			out = append(out, r.Library)
		}
	}
	return out
}

// CheckABI compares every real shared object of the build with its baseline.
// A missing baseline directory skips the check; libraries without a
// baseline are skipped individually.
func CheckABI(ctx context.Context, rc *config.RunContext, runner toolexec.Runner, logger log.Logger) error {
	logger = log.OrDefault(logger)

	baselineDir := rc.SourcePath(rc.Policy.ABI.Dir)
	if fi, err := os.Stat(baselineDir); errors.Is(err, fs.ErrNotExist) || (err == nil && !fi.IsDir()) {
		logger.Info("no ABI baseline directory, skipping", "dir", baselineDir)
		return nil
	} else if err != nil {
		return verify.Wrap(verify.ErrConfig, baselineDir, "cannot access ABI baseline directory", err)
	}

	artifacts, err := verify.DiscoverArtifacts(rc.LibDir(), rc.Policy.Provider.Marker)
	if err != nil {
		return err
	}
	var paths []string
	for _, a := range verify.FilterArtifacts(artifacts, verify.KindSharedObject) {
		if strings.Contains(a.Name, ".so.") {
			paths = append(paths, a.Path)
		}
	}

	d := NewDiffer(runner, rc.Tools.ABIDumper, rc.Tools.ABIChecker, baselineDir, rc.IncludeDir(), WithLogger(logger))
	results, err := d.Run(ctx, paths)
	if err != nil {
		return err
	}

	skipped := 0
	for _, r := range results {
		if r.Status == StatusSkipped {
			skipped++
		}
	}
	logger.Info("ABI comparison finished", "libraries", len(results), "skipped", skipped)

	if broken := Incompatible(results); len(broken) > 0 {
		return verify.Errorf(verify.ErrABIIncompatible, baselineDir,
			"ABI incompatible with baseline: %s", strings.Join(broken, ", "))
	}
	return nil
}
