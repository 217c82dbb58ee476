// Package policy holds the package's binary-compatibility policy data:
// legacy symbol-version exceptions, header allow-lists and linker fixups.
//
// The defaults are embedded from default.toml. A project can override any
// key with a TOML file (buildlib/check-build.toml in the source tree, or the
// path given with --policy); keys absent from the override keep their
// default values.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultFile is the override file looked up relative to the source dir.
const DefaultFile = "buildlib/check-build.toml"

//go:embed default.toml
var defaultTOML string

// Policy is the complete policy consulted by the checks.
type Policy struct {
	Symver          Symver          `toml:"symver"`
	Provider        Provider        `toml:"provider"`
	Headers         Headers         `toml:"headers"`
	PkgConfig       PkgConfig       `toml:"pkgconfig"`
	StaticProviders StaticProviders `toml:"static_providers"`
	ABI             ABI             `toml:"abi"`
}

// Symver configures the library version check.
type Symver struct {
	// MajorOverrides pins the major number used in the expected tag for
	// libraries whose symbol versions kept an older numbering than their
	// filename. Keyed by library name without the "lib" prefix.
	MajorOverrides map[string]int `toml:"major_overrides"`

	// CheckSoname requires alias symlinks to be named after the DT_SONAME
	// of their target.
	CheckSoname bool `toml:"check_soname"`
}

// Provider configures the provider private-ABI check.
type Provider struct {
	Marker           string `toml:"marker"`
	PrivateTagPrefix string `toml:"private_tag_prefix"`
}

// Headers configures the header compilation checks.
type Headers struct {
	ObsoleteMarker string   `toml:"obsolete_marker"`
	FixupDir       string   `toml:"fixup_dir"`
	Poison         string   `toml:"poison"`
	CXXGuard       string   `toml:"cxx_guard"`
	AllowedUAPI    []string `toml:"allowed_uapi"`
	NonCXX         []string `toml:"non_cxx"`
}

// PkgConfig configures the fixups applied to pkg-config output for static
// linking.
type PkgConfig struct {
	// BrokenDeps maps a flag to the flags that must be appended whenever it
	// appears, for dependencies whose .pc files omit them.
	BrokenDeps map[string][]string `toml:"broken_deps"`

	// MoveLast lists flags moved to the end of the link line.
	MoveLast []string `toml:"move_last"`
}

// StaticProviders configures the provider-selection matrix check.
type StaticProviders struct {
	Dir        string `toml:"dir"`
	Library    string `toml:"library"`
	Header     string `toml:"header"`
	EntryPoint string `toml:"entry_point"`
	Define     string `toml:"define"`
}

// ABI configures the ABI snapshot check.
type ABI struct {
	Dir string `toml:"dir"`
}

// Default returns the embedded policy.
func Default() (*Policy, error) {
	p := &Policy{}
	if _, err := toml.Decode(defaultTOML, p); err != nil {
		return nil, fmt.Errorf("failed to parse embedded policy: %w", err)
	}
	return p, nil
}

// Load returns the embedded policy with the file at path applied on top.
// A missing file is not an error when optional is true.
func Load(path string, optional bool) (*Policy, error) {
	p, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	md, err := toml.Decode(string(data), p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys in policy file %s: %s", path, strings.Join(keys, ", "))
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate reports the first required key left empty.
func (p *Policy) Validate() error {
	required := []struct {
		key, val string
	}{
		{"provider.marker", p.Provider.Marker},
		{"provider.private_tag_prefix", p.Provider.PrivateTagPrefix},
		{"headers.obsolete_marker", p.Headers.ObsoleteMarker},
		{"headers.fixup_dir", p.Headers.FixupDir},
		{"headers.poison", p.Headers.Poison},
		{"headers.cxx_guard", p.Headers.CXXGuard},
		{"static_providers.library", p.StaticProviders.Library},
		{"static_providers.define", p.StaticProviders.Define},
		{"abi.dir", p.ABI.Dir},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return fmt.Errorf("%s must not be empty", r.key)
		}
	}
	for lib, major := range p.Symver.MajorOverrides {
		if major < 0 {
			return fmt.Errorf("symver.major_overrides.%s must not be negative", lib)
		}
	}
	return nil
}

// MajorFor returns the tag major for lib: the override when one exists,
// otherwise fileMajor.
func (s Symver) MajorFor(lib string, fileMajor int) int {
	if m, ok := s.MajorOverrides[lib]; ok {
		return m
	}
	return fileMajor
}

// IsAllowedUAPI reports whether an uninstalled header may stay referenced.
func (h Headers) IsAllowedUAPI(rel string) bool {
	return contains(h.AllowedUAPI, rel)
}

// IsNonCXX reports whether a header is exempt from the C++ linkage guard.
func (h Headers) IsNonCXX(rel string) bool {
	return contains(h.NonCXX, rel)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
