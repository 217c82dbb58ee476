package verify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Magic numbers for artifact classification
var (
	elfMagic = []byte{0x7f, 'E', 'L', 'F'}
	arMagic  = []byte{'!', '<', 'a', 'r', 'c', 'h', '>', '\n'}
)

// ArtifactKind classifies an entry of the build's library directory.
type ArtifactKind int

const (
	// KindOther is anything check-build does not inspect (linker scripts,
	// pkgconfig directories, Python modules, ...)
	KindOther ArtifactKind = iota

	// KindSharedObject is a real ELF file named lib<name>.so.*
	KindSharedObject

	// KindProvider is a real ELF provider plugin named lib<name>-rdmav<N>.so
	KindProvider

	// KindAlias is a symbolic link (soname or development alias)
	KindAlias

	// KindStaticArchive is an ar archive named lib<name>.a
	KindStaticArchive
)

// String returns a human-readable name for the artifact kind.
func (k ArtifactKind) String() string {
	switch k {
	case KindSharedObject:
		return "shared object"
	case KindProvider:
		return "provider"
	case KindAlias:
		return "alias"
	case KindStaticArchive:
		return "static archive"
	default:
		return "other"
	}
}

// Artifact is one entry of the library directory, classified by name and
// content.
type Artifact struct {
	Name string
	Path string
	Kind ArtifactKind

	// Target is the absolute link target for aliases.
	Target string

	// TargetIsLink is set when an alias points at another symlink. Such
	// chains are not followed.
	TargetIsLink bool

	// TargetMissing is set when an alias dangles.
	TargetMissing bool
}

// DiscoverArtifacts lists and classifies the entries of dir, sorted by name.
// Provider plugins are recognized by marker (e.g. "rdmav") in their name.
func DiscoverArtifacts(dir, marker string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, Wrap(ErrConfig, dir, "cannot list library directory", err)
	}

	var out []Artifact
	for _, e := range entries {
		a, err := classify(dir, e.Name(), marker)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func classify(dir, name, marker string) (Artifact, error) {
	path := filepath.Join(dir, name)
	a := Artifact{Name: name, Path: path}

	fi, err := os.Lstat(path)
	if err != nil {
		return a, Wrap(ErrConfig, path, "cannot stat artifact", err)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		a.Kind = KindAlias
		target, err := os.Readlink(path)
		if err != nil {
			return a, Wrap(ErrConfig, path, "cannot read symlink", err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(dir, target)
		}
		a.Target = target

		tfi, err := os.Lstat(target)
		switch {
		case err != nil:
			a.TargetMissing = true
		case tfi.Mode()&os.ModeSymlink != 0:
			a.TargetIsLink = true
		}
		return a, nil
	}

	if !fi.Mode().IsRegular() {
		return a, nil
	}

	magic, err := readMagic(path)
	if err != nil {
		return a, Wrap(ErrExtraction, path, "cannot read artifact", err)
	}

	switch {
	case bytes.HasPrefix(magic, elfMagic):
		switch {
		case IsProviderName(name, marker):
			a.Kind = KindProvider
		case strings.HasPrefix(name, "lib") && strings.Contains(name, ".so"):
			a.Kind = KindSharedObject
		}
	case bytes.Equal(magic, arMagic):
		if strings.HasPrefix(name, "lib") && strings.HasSuffix(name, ".a") {
			a.Kind = KindStaticArchive
		}
	}
	return a, nil
}

// IsProviderName reports whether name looks like a provider plugin file.
func IsProviderName(name, marker string) bool {
	return strings.Contains(name, marker) && strings.HasSuffix(name, ".so")
}

// readMagic reads the first 8 bytes of a file for format detection.
func readMagic(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	magic := make([]byte, 8)
	n, err := io.ReadFull(f, magic)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return magic[:n], nil
}

// FilterArtifacts returns the artifacts of the given kind.
func FilterArtifacts(all []Artifact, kind ArtifactKind) []Artifact {
	var out []Artifact
	for _, a := range all {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// describeAlias is used in error messages about aliases.
func describeAlias(a Artifact) string {
	return fmt.Sprintf("%s -> %s", a.Name, filepath.Base(a.Target))
}
