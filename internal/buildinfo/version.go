// Package buildinfo reports the version of the check-build binary.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// version is set at release time with
// -ldflags "-X github.com/tsukumogami/checkbuild/internal/buildinfo.version=v1.2.3".
var version string

// Info describes the running binary.
type Info struct {
	Version   string
	GoVersion string
	Revision  string
	Modified  bool
}

// String renders the info for `check-build version`.
func (i Info) String() string {
	s := "check-build " + i.Version
	if i.GoVersion != "" {
		s += " (" + i.GoVersion + ")"
	}
	return s
}

// Read collects the build info of the running binary.
func Read() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{Version: firstSet(version, "unknown")}
	}
	return fromBuildInfo(info, version)
}

// Version returns the version string: the linker-provided version, the
// module version for go install builds, or dev-<hash>[-dirty].
func Version() string {
	return Read().Version
}

func fromBuildInfo(info *debug.BuildInfo, linked string) Info {
	out := Info{GoVersion: info.GoVersion}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.Revision = setting.Value
		case "vcs.modified":
			out.Modified = setting.Value == "true"
		}
	}

	switch {
	case linked != "":
		out.Version = linked
	case info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	default:
		out.Version = devVersion(out.Revision, out.Modified)
	}
	return out
}

func devVersion(revision string, modified bool) string {
	if revision == "" {
		return "dev"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := fmt.Sprintf("dev-%s", revision)
	if modified {
		v += "-dirty"
	}
	return v
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
