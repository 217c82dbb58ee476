package linkcheck

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/tsukumogami/checkbuild/internal/policy"
	"github.com/tsukumogami/checkbuild/internal/toolexec"
	"github.com/tsukumogami/checkbuild/internal/verify"
)

// PkgConfig queries compile and link flags for the package's libraries
// from the .pc files of a build tree.
type PkgConfig struct {
	runner  toolexec.Runner
	command string
	pcDir   string
	libDir  string
	fixups  policy.PkgConfig
}

// NewPkgConfig creates a PkgConfig reading .pc files from pcDir. libDir is
// the build's library directory, used to recognize the package's own
// static archives.
func NewPkgConfig(runner toolexec.Runner, command, pcDir, libDir string, fixups policy.PkgConfig) *PkgConfig {
	return &PkgConfig{runner: runner, command: command, pcDir: pcDir, libDir: libDir, fixups: fixups}
}

// Flags returns the cflags and libs of module. In static mode the static
// link fixups are applied.
func (p *PkgConfig) Flags(ctx context.Context, module string, static bool) ([]string, error) {
	args := []string{"--errors-to-stdout", "--cflags", "--libs"}
	if static {
		args = append(args, "--static")
	}
	args = append(args, module)

	out, err := toolexec.Output(ctx, p.runner, toolexec.Cmd{
		Name: p.command,
		Args: args,
		Env:  map[string]string{"PKG_CONFIG_PATH": p.pcDir},
	})
	if err != nil {
		return nil, verify.FromTool(verify.ErrLinkVerification, module, "pkg-config query for "+module+" failed", err)
	}

	flags, err := shellquote.Split(string(out))
	if err != nil {
		return nil, verify.Wrap(verify.ErrTool, module, "cannot split pkg-config output for "+module, err)
	}
	if static {
		flags = StaticFixups(flags, p.hasStaticArchive, p.fixups)
	}
	return flags, nil
}

func (p *PkgConfig) hasStaticArchive(lib string) bool {
	_, err := os.Stat(filepath.Join(p.libDir, "lib"+lib+".a"))
	return err == nil
}

// StaticFixups adjusts pkg-config --static output for a working link line:
// extra flags are appended for dependencies with broken .pc files, every
// -l<x> for which owned(x) is true is forced static while system libraries
// stay dynamic, and the MoveLast flags are moved, once each and in order,
// to the end.
func StaticFixups(flags []string, owned func(lib string) bool, fixups policy.PkgConfig) []string {
	out := append([]string(nil), flags...)

	broken := make([]string, 0, len(fixups.BrokenDeps))
	for flag := range fixups.BrokenDeps {
		broken = append(broken, flag)
	}
	sort.Strings(broken)
	for _, flag := range broken {
		if containsFlag(out, flag) {
			out = append(out, fixups.BrokenDeps[flag]...)
		}
	}

	wrapped := make([]string, 0, len(out))
	for _, f := range out {
		if lib, ok := strings.CutPrefix(f, "-l"); ok && lib != "" && owned(lib) {
			wrapped = append(wrapped, "-Wl,-Bstatic", f, "-Wl,-Bdynamic")
			continue
		}
		wrapped = append(wrapped, f)
	}
	out = wrapped

	for _, last := range fixups.MoveLast {
		if !containsFlag(out, last) {
			continue
		}
		kept := out[:0:0]
		for _, f := range out {
			if f != last {
				kept = append(kept, f)
			}
		}
		out = append(kept, last)
	}
	return out
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
