package checks

import (
	"context"

	"github.com/tsukumogami/checkbuild/internal/abidiff"
	"github.com/tsukumogami/checkbuild/internal/headers"
	"github.com/tsukumogami/checkbuild/internal/linkcheck"
	"github.com/tsukumogami/checkbuild/internal/log"
	"github.com/tsukumogami/checkbuild/internal/ninja"
	"github.com/tsukumogami/checkbuild/internal/verify"
)

// Default returns a registry with every routine of a release check.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister(New("lib-names",
		"Shared library file names and symbol versions match the package version",
		checkLibNames))
	r.MustRegister(New("verbs-private",
		"Provider plugins depend on exactly their private verbs ABI revision",
		checkVerbsPrivate))
	r.MustRegister(New("published-headers",
		"Every header in the build include directory compiles on its own",
		checkPublishedHeaders))
	r.MustRegister(New("installed-headers",
		"Installed headers do not include uninstalled ones and work from C++",
		checkInstalledHeaders))
	r.MustRegister(New("static-libs",
		"Every public symbol links from the static and the shared library",
		checkStaticLibs))
	r.MustRegister(New("static-providers",
		"Every static provider selection value compiles",
		checkStaticProviders))
	r.MustRegister(New("abi-compat",
		"Shared libraries are ABI compatible with the checked-in dumps",
		checkABICompat))
	return r
}

func (e *Env) log() log.Logger {
	return log.OrDefault(e.Logger)
}

func (e *Env) extractor() *verify.Extractor {
	return verify.NewExtractor(e.Runner, e.RC.Tools.Readelf)
}

func (e *Env) validator() *verify.Validator {
	return verify.NewValidator(e.extractor(), e.RC.PackageVersion, e.RC.Policy,
		verify.WithValidatorLogger(e.Logger))
}

func (e *Env) executor() *ninja.Executor {
	return ninja.NewExecutor(e.Runner, e.RC.Tools.Ninja, ninja.WithLogger(e.Logger))
}

func (e *Env) artifacts() ([]verify.Artifact, error) {
	return verify.DiscoverArtifacts(e.RC.LibDir(), e.RC.Policy.Provider.Marker)
}

func (e *Env) linkChecker() *linkcheck.Checker {
	pkg := linkcheck.NewPkgConfig(e.Runner, e.RC.Tools.PkgConfig, e.RC.PkgConfigDir(), e.RC.LibDir(), e.RC.Policy.PkgConfig)
	return linkcheck.NewChecker(e.RC, e.executor(), e.extractor(), pkg, linkcheck.WithLogger(e.Logger))
}

func checkLibNames(ctx context.Context, env *Env) error {
	artifacts, err := env.artifacts()
	if err != nil {
		return err
	}
	checked, err := env.validator().ValidateLibraryDir(ctx, artifacts)
	if err != nil {
		return err
	}
	env.log().Info("library versions verified", "libraries", len(checked))
	return nil
}

func checkVerbsPrivate(ctx context.Context, env *Env) error {
	artifacts, err := env.artifacts()
	if err != nil {
		return err
	}
	checked, err := env.validator().ValidateProviders(ctx, artifacts)
	if err != nil {
		return err
	}
	env.log().Info("provider ABI tags verified", "providers", len(checked))
	return nil
}

func checkPublishedHeaders(ctx context.Context, env *Env) error {
	return headers.NewChecker(env.RC, env.executor(), headers.WithLogger(env.Logger)).CheckPublished(ctx)
}

func checkInstalledHeaders(ctx context.Context, env *Env) error {
	return headers.NewChecker(env.RC, env.executor(), headers.WithLogger(env.Logger)).CheckInstalled(ctx)
}

func checkStaticLibs(ctx context.Context, env *Env) error {
	return env.linkChecker().CheckStaticLibs(ctx)
}

func checkStaticProviders(ctx context.Context, env *Env) error {
	return env.linkChecker().CheckStaticProviders(ctx)
}

func checkABICompat(ctx context.Context, env *Env) error {
	return abidiff.CheckABI(ctx, env.RC, env.Runner, env.Logger)
}
