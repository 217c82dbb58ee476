// Package config builds the read-only run context shared by every check.
package config

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/tsukumogami/checkbuild/internal/policy"
	"github.com/tsukumogami/checkbuild/internal/toolexec"
	"github.com/tsukumogami/checkbuild/internal/verify"
)

const (
	// EnvReadelf overrides the symbol table dumper command
	EnvReadelf = "CHECK_BUILD_READELF"

	// EnvNinja overrides the build-graph executor command
	EnvNinja = "CHECK_BUILD_NINJA"

	// EnvPkgConfig overrides the package-config query command
	EnvPkgConfig = "CHECK_BUILD_PKG_CONFIG"

	// EnvABIDumper overrides the ABI dump command
	EnvABIDumper = "CHECK_BUILD_ABI_DUMPER"

	// EnvABIChecker overrides the ABI compare command
	EnvABIChecker = "CHECK_BUILD_ABI_CHECKER"

	// EnvGit overrides the git command used to find the source tree
	EnvGit = "CHECK_BUILD_GIT"

	// EnvToolTimeout bounds every external command
	EnvToolTimeout = "CHECK_BUILD_TOOL_TIMEOUT"

	// DefaultToolTimeout is the default bound for one external command (10 minutes).
	// Installing the package and running a full header graph can take a while.
	DefaultToolTimeout = 10 * time.Minute

	minToolTimeout = 10 * time.Second
	maxToolTimeout = 2 * time.Hour
)

// GetToolTimeout returns the configured command timeout from CHECK_BUILD_TOOL_TIMEOUT.
// If not set or invalid, returns DefaultToolTimeout (10 minutes).
// Accepts duration strings like "90s", "15m", "1h".
func GetToolTimeout() time.Duration {
	envValue := os.Getenv(EnvToolTimeout)
	if envValue == "" {
		return DefaultToolTimeout
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvToolTimeout, envValue, DefaultToolTimeout)
		return DefaultToolTimeout
	}

	// Validate reasonable range (10 seconds to 2 hours)
	if duration < minToolTimeout {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 10s\n",
			EnvToolTimeout, duration)
		return minToolTimeout
	}
	if duration > maxToolTimeout {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 2h\n",
			EnvToolTimeout, duration)
		return maxToolTimeout
	}

	return duration
}

// Tools holds the external commands the checks invoke.
type Tools struct {
	Readelf    string
	Ninja      string
	PkgConfig  string
	ABIDumper  string
	ABIChecker string
	Git        string
	Timeout    time.Duration
}

// ToolsFromEnv returns the default tool commands with environment overrides applied.
func ToolsFromEnv() Tools {
	return Tools{
		Readelf:    envOr(EnvReadelf, "readelf"),
		Ninja:      envOr(EnvNinja, "ninja"),
		PkgConfig:  envOr(EnvPkgConfig, "pkg-config"),
		ABIDumper:  envOr(EnvABIDumper, "abi-dumper"),
		ABIChecker: envOr(EnvABIChecker, "abi-compliance-checker"),
		Git:        envOr(EnvGit, "git"),
		Timeout:    GetToolTimeout(),
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// RunContext is constructed once per invocation and never modified.
type RunContext struct {
	SourceDir      string
	BuildDir       string
	PackageVersion string
	CC             string
	CXX            string

	Tools  Tools
	Policy *policy.Policy
}

// LibDir returns <build>/lib.
func (rc *RunContext) LibDir() string {
	return filepath.Join(rc.BuildDir, "lib")
}

// IncludeDir returns <build>/include.
func (rc *RunContext) IncludeDir() string {
	return filepath.Join(rc.BuildDir, "include")
}

// PkgConfigDir returns <build>/lib/pkgconfig.
func (rc *RunContext) PkgConfigDir() string {
	return filepath.Join(rc.LibDir(), "pkgconfig")
}

// SourcePath joins elem onto the source directory.
func (rc *RunContext) SourcePath(elem ...string) string {
	return filepath.Join(append([]string{rc.SourceDir}, elem...)...)
}

// CCCommand returns the C compiler command line split into words, so that
// values such as "ccache gcc" or "gcc -m32" work.
func (rc *RunContext) CCCommand() []string {
	return commandWords(rc.CC)
}

// CXXCommand returns the C++ compiler command line split into words.
func (rc *RunContext) CXXCommand() []string {
	return commandWords(rc.CXX)
}

func commandWords(s string) []string {
	words, err := SplitCommand(s)
	if err != nil {
		return []string{s}
	}
	return words
}

// SplitCommand splits a command line with shell quoting rules. An empty or
// malformed command line is an error.
func SplitCommand(s string) ([]string, error) {
	words, err := shellquote.Split(s)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return words, nil
}

// Options are the user-supplied inputs of a run. Empty fields take defaults.
type Options struct {
	BuildDir   string
	SourceDir  string
	CC         string
	CXX        string
	PolicyFile string
}

// New resolves opts into a RunContext. The build directory defaults to the
// working directory, the source directory to the git top-level of the
// working directory, and the compilers to $CC/$CXX or cc/c++.
func New(ctx context.Context, runner toolexec.Runner, opts Options) (*RunContext, error) {
	tools := ToolsFromEnv()

	buildDir := opts.BuildDir
	if buildDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, verify.Wrap(verify.ErrConfig, "", "cannot determine working directory", err)
		}
		buildDir = wd
	}
	buildDir, err := absDir(buildDir)
	if err != nil {
		return nil, err
	}

	srcDir := opts.SourceDir
	if srcDir == "" {
		srcDir, err = FindSourceDir(ctx, runner, tools.Git, "")
		if err != nil {
			return nil, err
		}
	}
	srcDir, err = absDir(srcDir)
	if err != nil {
		return nil, err
	}

	version, err := ReadPackageVersion(srcDir)
	if err != nil {
		return nil, err
	}

	p, err := loadPolicy(srcDir, opts.PolicyFile)
	if err != nil {
		return nil, err
	}

	cc := firstNonEmpty(opts.CC, os.Getenv("CC"), "cc")
	cxx := firstNonEmpty(opts.CXX, os.Getenv("CXX"), "c++")
	for _, compiler := range []string{cc, cxx} {
		if _, err := SplitCommand(compiler); err != nil {
			return nil, verify.Wrap(verify.ErrConfig, "", fmt.Sprintf("invalid compiler command %q", compiler), err)
		}
	}

	return &RunContext{
		SourceDir:      srcDir,
		BuildDir:       buildDir,
		PackageVersion: version,
		CC:             cc,
		CXX:            cxx,
		Tools:          tools,
		Policy:         p,
	}, nil
}

func loadPolicy(srcDir, file string) (*policy.Policy, error) {
	optional := file == ""
	if optional {
		file = filepath.Join(srcDir, policy.DefaultFile)
	}
	p, err := policy.Load(file, optional)
	if err != nil {
		return nil, verify.Wrap(verify.ErrConfig, file, "cannot load policy", err)
	}
	return p, nil
}

func absDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", verify.Wrap(verify.ErrConfig, dir, "cannot resolve "+dir, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", verify.Wrap(verify.ErrConfig, abs, "cannot access "+abs, err)
	}
	if !fi.IsDir() {
		return "", verify.Errorf(verify.ErrConfig, abs, "%s is not a directory", abs)
	}
	return abs, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// FindSourceDir returns the git top-level of dir (the working directory
// when dir is empty).
func FindSourceDir(ctx context.Context, runner toolexec.Runner, git, dir string) (string, error) {
	out, err := toolexec.Output(ctx, runner, toolexec.Cmd{
		Name: git,
		Args: []string{"rev-parse", "--show-toplevel"},
		Dir:  dir,
	})
	if err != nil {
		return "", verify.Wrap(verify.ErrConfig, dir, "cannot find the source tree (use --src)", err)
	}
	top := strings.TrimSpace(string(out))
	if top == "" {
		return "", verify.Errorf(verify.ErrConfig, dir, "git did not report a top-level directory (use --src)")
	}
	return top, nil
}

// ReadPackageVersion returns X from the set(PACKAGE_VERSION "X") line of
// <srcDir>/CMakeLists.txt.
func ReadPackageVersion(srcDir string) (string, error) {
	path := filepath.Join(srcDir, "CMakeLists.txt")
	f, err := os.Open(path)
	if err != nil {
		return "", verify.Wrap(verify.ErrConfig, path, "cannot read package version", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if v, ok := parseVersionLine(scanner.Text()); ok {
			return v, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", verify.Wrap(verify.ErrConfig, path, "cannot read package version", err)
	}
	return "", verify.Errorf(verify.ErrConfig, path, "no set(PACKAGE_VERSION \"...\") line in %s", path)
}

// parseVersionLine matches set(PACKAGE_VERSION "X"). CMake command names
// are case-insensitive; the variable name is not.
func parseVersionLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if len(line) < 4 || !strings.EqualFold(line[:4], "set(") {
		return "", false
	}
	args, ok := strings.CutSuffix(strings.TrimSpace(line[4:]), ")")
	if !ok {
		return "", false
	}
	name, value, ok := strings.Cut(strings.TrimSpace(args), " ")
	if !ok || name != "PACKAGE_VERSION" {
		return "", false
	}
	value = strings.TrimSpace(value)
	if len(value) < 3 || value[0] != '"' || value[len(value)-1] != '"' {
		return "", false
	}
	v := value[1 : len(value)-1]
	if strings.ContainsAny(v, "\" \t") {
		return "", false
	}
	return v, true
}
