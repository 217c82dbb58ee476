// Package testutil holds fixtures shared by the check packages' tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tsukumogami/checkbuild/internal/config"
	"github.com/tsukumogami/checkbuild/internal/policy"
)

// ELFHeader is enough of an ELF header for artifact classification.
var ELFHeader = []byte("\x7fELF\x02\x01\x01\x00")

// ArchiveHeader is the ar archive magic.
var ArchiveHeader = []byte("!<arch>\n")

// NewRunContext creates a run context over fresh source and build trees
// with the embedded policy and default tool names. The trees are removed
// when the test ends.
func NewRunContext(t *testing.T) *config.RunContext {
	t.Helper()

	p, err := policy.Default()
	if err != nil {
		t.Fatalf("failed to load default policy: %v", err)
	}

	rc := &config.RunContext{
		SourceDir:      t.TempDir(),
		BuildDir:       t.TempDir(),
		PackageVersion: "50.0",
		CC:             "cc",
		CXX:            "c++",
		Tools: config.Tools{
			Readelf:    "readelf",
			Ninja:      "ninja",
			PkgConfig:  "pkg-config",
			ABIDumper:  "abi-dumper",
			ABIChecker: "abi-compliance-checker",
			Git:        "git",
			Timeout:    config.DefaultToolTimeout,
		},
		Policy: p,
	}

	if err := os.MkdirAll(rc.LibDir(), 0755); err != nil {
		t.Fatalf("failed to create lib dir: %v", err)
	}
	if err := os.MkdirAll(rc.IncludeDir(), 0755); err != nil {
		t.Fatalf("failed to create include dir: %v", err)
	}
	return rc
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// Touch creates an empty file.
func Touch(t *testing.T, path string) {
	t.Helper()
	WriteFile(t, path, nil)
}

// WriteELF creates a file classified as an ELF object.
func WriteELF(t *testing.T, path string) {
	t.Helper()
	WriteFile(t, path, ELFHeader)
}

// WriteArchive creates a file classified as a static archive.
func WriteArchive(t *testing.T, path string) {
	t.Helper()
	WriteFile(t, path, ArchiveHeader)
}

// Symlink creates link pointing at target.
func Symlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("failed to link %s -> %s: %v", link, target, err)
	}
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AssertFileExists checks if a file exists at the given path
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if !FileExists(path) {
		t.Errorf("file does not exist: %s", path)
	}
}

// AssertFileNotExists checks if a file does NOT exist at the given path
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	if FileExists(path) {
		t.Errorf("file should not exist: %s", path)
	}
}
