// Package headers compiles every public header of a build on its own, and
// checks that installed headers never reach internal ones.
package headers

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Collect returns every *.h file below dir, sorted. Dot files are skipped
// and symlinked directories are not followed.
func Collect(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".h") {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// IsObsolete reports whether the header carries the obsolete marker and so
// is not meant to be included at all.
func IsObsolete(path, marker string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	return bytes.Contains(data, []byte(marker)), nil
}

// IsFixup reports whether path is a symlink into the fixup include area,
// i.e. a build-time stand-in for a missing system header.
func IsFixup(path, fixupDir string) bool {
	target, err := os.Readlink(path)
	if err != nil {
		return false
	}
	return strings.Contains(filepath.ToSlash(target), fixupDir)
}

// Filter drops obsolete and fixup headers.
func Filter(headers []string, obsoleteMarker, fixupDir string) ([]string, error) {
	out := make([]string, 0, len(headers))
	for _, h := range headers {
		if IsFixup(h, fixupDir) {
			continue
		}
		obsolete, err := IsObsolete(h, obsoleteMarker)
		if err != nil {
			return nil, err
		}
		if obsolete {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// Relative returns headers relative to root, in slash form.
func Relative(root string, headers []string) ([]string, error) {
	out := make([]string, len(headers))
	for i, h := range headers {
		rel, err := filepath.Rel(root, h)
		if err != nil {
			return nil, err
		}
		out[i] = filepath.ToSlash(rel)
	}
	return out, nil
}

// IncludeRoot returns the directory the headers are included relative to:
// their common directory cut after its last "include" component, or the
// common directory itself when no such component exists.
func IncludeRoot(headers []string) string {
	if len(headers) == 0 {
		return ""
	}
	common := filepath.Dir(headers[0])
	for _, h := range headers[1:] {
		for !isWithin(common, h) {
			parent := filepath.Dir(common)
			if parent == common {
				break
			}
			common = parent
		}
	}

	parts := strings.Split(common, string(filepath.Separator))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "include" {
			root := strings.Join(parts[:i+1], string(filepath.Separator))
			if root == "" {
				return string(filepath.Separator)
			}
			return root
		}
	}
	return common
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
