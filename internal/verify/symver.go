package verify

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/tsukumogami/checkbuild/internal/log"
	"github.com/tsukumogami/checkbuild/internal/policy"
)

// LibraryFilename is a parsed lib<name>.so.<major>.<minor>.<version> name.
type LibraryFilename struct {
	Name    string
	Major   int
	Minor   string
	Version string
}

// ParseLibraryFilename parses the file name of a real shared object.
func ParseLibraryFilename(filename string) (LibraryFilename, error) {
	fail := func(why string) (LibraryFilename, error) {
		return LibraryFilename{}, Errorf(ErrFilenameFormat, filename,
			"shared library filename %q does not match lib<name>.so.<major>.<minor>.<version>: %s", filename, why)
	}

	rest, ok := strings.CutPrefix(filename, "lib")
	if !ok {
		return fail("missing lib prefix")
	}
	name, rest, ok := strings.Cut(rest, ".")
	if !ok || name == "" {
		return fail("missing library name")
	}
	rest, ok = strings.CutPrefix(rest, "so.")
	if !ok {
		return fail("missing .so. after the library name")
	}
	major, rest, ok := strings.Cut(rest, ".")
	if !ok || !isDigits(major) {
		return fail("major version is not a number")
	}
	minor, version, ok := strings.Cut(rest, ".")
	if !ok || !isDigits(minor) {
		return fail("minor version is not a number")
	}
	if version == "" {
		return fail("missing package version")
	}

	m, err := strconv.Atoi(major)
	if err != nil {
		return fail("major version out of range")
	}
	return LibraryFilename{Name: name, Major: m, Minor: minor, Version: version}, nil
}

// ExpectedTag returns the newest symbol version the file name implies,
// <NAME>_<major>.<minor>, using the policy's major override when present.
func (f LibraryFilename) ExpectedTag(sv policy.Symver) string {
	return fmt.Sprintf("%s_%d.%s", strings.ToUpper(f.Name), sv.MajorFor(f.Name, f.Major), f.Minor)
}

// ProviderFilename is a parsed lib<name>-<marker><N>.so name.
type ProviderFilename struct {
	Name        string
	ABIRevision int
}

// ParseProviderFilename parses a provider plugin name such as
// libmlx5-rdmav34.so.
func ParseProviderFilename(filename, marker string) (ProviderFilename, error) {
	fail := func() (ProviderFilename, error) {
		return ProviderFilename{}, Errorf(ErrFilenameFormat, filename,
			"provider library has unknown file name format %q (want lib<name>-%s<N>.so)", filename, marker)
	}

	rest, ok := strings.CutPrefix(filename, "lib")
	if !ok {
		return fail()
	}
	rest, ok = strings.CutSuffix(rest, ".so")
	if !ok {
		return fail()
	}
	i := strings.LastIndex(rest, "-"+marker)
	if i <= 0 {
		return fail()
	}
	name, rev := rest[:i], rest[i+1+len(marker):]
	if strings.Contains(name, ".") || !isDigits(rev) {
		return fail()
	}
	n, err := strconv.Atoi(rev)
	if err != nil {
		return fail()
	}
	return ProviderFilename{Name: name, ABIRevision: n}, nil
}

// IsPrivateTag reports whether tag belongs to the private series.
func IsPrivateTag(tag string) bool {
	return strings.Contains(tag, "PRIVATE")
}

// tagRelease returns the token after the last underscore of a tag.
func tagRelease(tag string) string {
	if i := strings.LastIndex(tag, "_"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

// CompareTags orders tags by the version following their last underscore.
// Tokens that parse as versions sort before those that do not; ties and
// unparseable tokens fall back to string order.
func CompareTags(a, b string) int {
	va, errA := semver.NewVersion(tagRelease(a))
	vb, errB := semver.NewVersion(tagRelease(b))

	switch {
	case errA == nil && errB == nil:
		if c := va.Compare(vb); c != 0 {
			return c
		}
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// SortTags sorts tags oldest first.
func SortTags(tags []string) {
	sort.SliceStable(tags, func(i, j int) bool {
		return CompareTags(tags[i], tags[j]) < 0
	})
}

// SymbolReader produces the dynamic symbol table of an artifact.
type SymbolReader interface {
	Read(ctx context.Context, path string) (*SymbolTable, error)
}

// Validator enforces the symbol-version policy on the library directory.
type Validator struct {
	reader         SymbolReader
	packageVersion string
	policy         *policy.Policy
	logger         log.Logger
	soname         func(path string) (string, error)
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l log.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = l
	}
}

// WithSonameReader replaces the DT_SONAME reader.
func WithSonameReader(fn func(path string) (string, error)) ValidatorOption {
	return func(v *Validator) {
		v.soname = fn
	}
}

// NewValidator creates a Validator for the given package version.
func NewValidator(reader SymbolReader, packageVersion string, p *policy.Policy, opts ...ValidatorOption) *Validator {
	v := &Validator{
		reader:         reader,
		packageVersion: packageVersion,
		policy:         p,
		soname:         ReadSoname,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = log.OrDefault(v.logger)
	return v
}

// CheckLibraryVersion verifies that a real shared object carries the
// package version in its name and that its newest public symbol version
// is the one its name implies.
func (v *Validator) CheckLibraryVersion(ctx context.Context, path string) error {
	fn := filepath.Base(path)
	lib, err := ParseLibraryFilename(fn)
	if err != nil {
		return err
	}
	if lib.Version != v.packageVersion {
		return Errorf(ErrVersionPolicy, path,
			"shared library filename %q does not have the package version %q (has %q)",
			fn, v.packageVersion, lib.Version)
	}

	newest := lib.ExpectedTag(v.policy.Symver)

	table, err := v.reader.Read(ctx, path)
	if err != nil {
		return err
	}
	tags, err := table.Tags(ModeExported)
	if err != nil {
		return err
	}
	v.logger.Debug("exported symbol versions", "library", fn, "tags", tags, "expected", newest)

	if !containsString(tags, newest) {
		return Errorf(ErrVersionPolicy, path,
			"symbol version %q implied by filename %q not in ELF (%s)", newest, fn, strings.Join(tags, ", "))
	}

	var private, public []string
	for _, t := range tags {
		if IsPrivateTag(t) {
			private = append(private, t)
		} else {
			public = append(public, t)
		}
	}

	if len(private) > 1 {
		return Errorf(ErrVersionPolicy, path,
			"too many private symbol versions in ELF %q (%s)", fn, strings.Join(private, ", "))
	}
	if len(private) == 1 {
		// Compared as plain strings, the release counter is a package
		// version, not a semantic one.
		if rel := tagRelease(private[0]); rel > v.packageVersion {
			return Errorf(ErrVersionPolicy, path,
				"private symbol version %q is newer than the package version %q", private[0], v.packageVersion)
		}
	}

	SortTags(public)
	if len(public) == 0 || public[len(public)-1] != newest {
		return Errorf(ErrVersionPolicy, path,
			"symbol version %q implied by filename %q not the newest in ELF (%s)", newest, fn, strings.Join(public, ", "))
	}
	return nil
}

// CheckProviderABI verifies that a provider plugin depends on exactly the
// private verbs ABI revision encoded in its file name.
func (v *Validator) CheckProviderABI(ctx context.Context, path string) error {
	fn := filepath.Base(path)
	prov, err := ParseProviderFilename(fn, v.policy.Provider.Marker)
	if err != nil {
		return err
	}

	table, err := v.reader.Read(ctx, path)
	if err != nil {
		return err
	}
	tags, err := table.Tags(ModeUndefined)
	if err != nil {
		return err
	}

	prefix := v.policy.Provider.PrivateTagPrefix
	var private []string
	for _, t := range tags {
		if strings.HasPrefix(t, prefix) {
			private = append(private, t)
		}
	}

	want := fmt.Sprintf("%s%d", prefix, prov.ABIRevision)
	if len(private) != 1 || private[0] != want {
		return Errorf(ErrProviderABI, path,
			"file %q must depend on exactly %s, it depends on [%s]", fn, want, strings.Join(private, ", "))
	}
	return nil
}

// ValidateLibraryDir checks every real shared object reachable through a
// version alias in artifacts. Aliases are never checked under their own
// name; each target is checked once. Aliases pointing at other aliases are
// ignored. The checked targets are returned in order.
func (v *Validator) ValidateLibraryDir(ctx context.Context, artifacts []Artifact) ([]string, error) {
	var checked []string
	seen := make(map[string]bool)

	for _, a := range FilterArtifacts(artifacts, KindAlias) {
		if a.TargetIsLink {
			v.logger.Debug("ignoring alias chain", "alias", describeAlias(a))
			continue
		}
		if a.TargetMissing {
			return checked, Errorf(ErrVersionPolicy, a.Path, "alias %s does not resolve to a file", describeAlias(a))
		}

		if !seen[a.Target] {
			seen[a.Target] = true
			v.logger.Info("validating library", "path", a.Target)
			if err := v.CheckLibraryVersion(ctx, a.Target); err != nil {
				return checked, err
			}
			checked = append(checked, a.Target)
		}

		if err := v.checkAliasSoname(a); err != nil {
			return checked, err
		}
	}
	return checked, nil
}

// checkAliasSoname requires a versioned alias (lib<name>.so.<N>) to carry
// its target's DT_SONAME. Unversioned development links are not checked.
func (v *Validator) checkAliasSoname(a Artifact) error {
	if !v.policy.Symver.CheckSoname || !strings.Contains(a.Name, ".so.") {
		return nil
	}
	soname, err := v.soname(a.Target)
	if err != nil {
		return Wrap(ErrExtraction, a.Target, "cannot read DT_SONAME of "+a.Target, err)
	}
	if soname != "" && soname != a.Name {
		return Errorf(ErrVersionPolicy, a.Path,
			"alias %s does not match the DT_SONAME %q of its target", describeAlias(a), soname)
	}
	return nil
}

// ValidateProviders checks the private ABI tag of every provider plugin.
func (v *Validator) ValidateProviders(ctx context.Context, artifacts []Artifact) ([]string, error) {
	var checked []string
	for _, a := range FilterArtifacts(artifacts, KindProvider) {
		v.logger.Info("validating provider", "path", a.Path)
		if err := v.CheckProviderABI(ctx, a.Path); err != nil {
			return checked, err
		}
		checked = append(checked, a.Path)
	}
	return checked, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
