package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsukumogami/checkbuild/internal/buildinfo"
	"github.com/tsukumogami/checkbuild/internal/checks"
	"github.com/tsukumogami/checkbuild/internal/config"
	"github.com/tsukumogami/checkbuild/internal/errmsg"
	"github.com/tsukumogami/checkbuild/internal/log"
	"github.com/tsukumogami/checkbuild/internal/progress"
	"github.com/tsukumogami/checkbuild/internal/scratch"
	"github.com/tsukumogami/checkbuild/internal/toolexec"
)

const (
	// EnvQuiet, EnvVerbose and EnvDebug set the log level when no flag does.
	EnvQuiet   = "CHECK_BUILD_QUIET"
	EnvVerbose = "CHECK_BUILD_VERBOSE"
	EnvDebug   = "CHECK_BUILD_DEBUG"
)

var (
	quietFlag   bool
	verboseFlag bool
	debugFlag   bool

	opts         config.Options
	runPatterns  []string
	skipPatterns []string

	// registry holds every check the binary knows about
	registry = checks.Default()

	// errCtx is filled in while running so a failure can be explained
	errCtx errmsg.ErrorContext
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "check-build",
		Short: "Verify the binary compatibility of a package build",
		Long: `check-build inspects a finished build of the package and fails when
an artifact breaks the binary-compatibility policy: library file names
and symbol versions, provider private ABI tags, self-contained public
headers, static linking and the ABI recorded in the source tree.

Run it from the build directory after the build completes.

Examples:
  check-build
  check-build --build build --src . --run 'static-*'
  check-build --skip abi-compat -v`,
		Version:       buildinfo.Version(),
		Args:          usageArgs(cobra.NoArgs),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          runRoot,
	}
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	flags := rootCmd.Flags()
	flags.StringVar(&opts.BuildDir, "build", "", "Build directory (default: working directory)")
	flags.StringVar(&opts.SourceDir, "src", "", "Source directory (default: git top-level of the working directory)")
	flags.StringVar(&opts.CC, "cc", "", "C compiler (default: $CC or cc)")
	flags.StringVar(&opts.CXX, "cxx", "", "C++ compiler (default: $CXX or c++)")
	flags.StringVar(&opts.PolicyFile, "policy", "", "Policy override file (default: <src>/buildlib/check-build.toml if present)")
	flags.StringArrayVar(&runPatterns, "run", nil, "Run only checks matching this glob (repeatable)")
	flags.StringArrayVar(&skipPatterns, "skip", nil, "Skip checks matching this glob (repeatable)")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Only print errors")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Log what each check does")
	pflags.BoolVar(&debugFlag, "debug", false, "Log external commands and parsed data")

	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available checks",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, _ []string) {
			for _, c := range registry.All() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", c.Name(), c.Description())
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the check-build version",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Read().String())
		},
	}
}

// determineLogLevel picks the log level from flags, then environment.
// Debug beats verbose beats quiet; the default is WARN.
func determineLogLevel() slog.Level {
	switch {
	case debugFlag:
		return slog.LevelDebug
	case verboseFlag:
		return slog.LevelInfo
	case quietFlag:
		return slog.LevelError
	case isTruthy(os.Getenv(EnvDebug)):
		return slog.LevelDebug
	case isTruthy(os.Getenv(EnvVerbose)):
		return slog.LevelInfo
	case isTruthy(os.Getenv(EnvQuiet)):
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func isQuiet() bool {
	return determineLogLevel() == slog.LevelError
}

// reporter adapts the progress display to the check runner.
type reporter struct {
	status *progress.Status
	failed string
}

func (r *reporter) Start(c checks.Check) {
	r.status.Begin(c.Name(), c.Description())
}

func (r *reporter) Finish(c checks.Check, err error, elapsed time.Duration) {
	if err != nil {
		r.failed = c.Name()
	}
	r.status.End(c.Name(), err, elapsed)
}

func runRoot(cmd *cobra.Command, _ []string) error {
	logger := log.NewText(os.Stderr, determineLogLevel())
	log.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if n, err := scratch.NewCleaner(scratch.WithLogger(logger)).CleanOrphans(); err != nil {
		logger.Warn("cannot clean orphaned scratch directories", "error", err)
	} else if n > 0 {
		logger.Debug("removed orphaned scratch directories", "count", n)
	}

	selected, err := registry.Select(runPatterns, skipPatterns)
	if err != nil {
		return err
	}

	runner := toolexec.NewExecRunner(
		toolexec.WithTimeout(config.GetToolTimeout()),
		toolexec.WithLogger(logger),
	)
	rc, err := config.New(ctx, runner, opts)
	if err != nil {
		return err
	}
	errCtx.BuildDir = rc.BuildDir
	logger.Info("run context",
		"build", rc.BuildDir, "src", rc.SourceDir, "version", rc.PackageVersion,
		"cc", rc.CC, "cxx", rc.CXX)

	return runSelected(ctx, cmd, rc, runner, logger, selected)
}

func runSelected(ctx context.Context, cmd *cobra.Command, rc *config.RunContext, runner toolexec.Runner, logger log.Logger, selected []checks.Check) error {
	rep := &reporter{status: progress.NewStatus(cmd.OutOrStdout(), isQuiet())}
	env := &checks.Env{RC: rc, Runner: runner, Logger: logger}
	if err := checks.Run(ctx, env, selected, rep); err != nil {
		errCtx.Check = rep.failed
		return err
	}
	if !isQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "%d checks passed\n", len(selected))
	}
	return nil
}

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", strings.TrimRight(errmsg.Format(err, &errCtx), "\n"))
		code := exitCodeFor(err)
		if code == ExitUsage {
			fmt.Fprintln(os.Stderr, "Run 'check-build --help' for usage.")
		}
		exitWithCode(code)
	}
}
