package abidiff

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// Compression identifies how a baseline dump is stored.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionXz
	CompressionLzip
)

// baselineSuffixes is the lookup order for <dir>/<name>.dump*.
var baselineSuffixes = []struct {
	suffix string
	comp   Compression
}{
	{".dump", CompressionNone},
	{".dump.zst", CompressionZstd},
	{".dump.xz", CompressionXz},
	{".dump.lz", CompressionLzip},
}

// FindBaseline returns the baseline dump of library name in dir. ok is
// false when no baseline exists.
func FindBaseline(dir, name string) (path string, comp Compression, ok bool, err error) {
	for _, s := range baselineSuffixes {
		p := filepath.Join(dir, name+s.suffix)
		fi, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", 0, false, err
		}
		if fi.Mode().IsRegular() {
			return p, s.comp, true, nil
		}
	}
	return "", 0, false, nil
}

// Materialize returns a path to the uncompressed baseline, decompressing
// into dir when needed.
func Materialize(path string, comp Compression, dir string) (string, error) {
	if comp == CompressionNone {
		return path, nil
	}

	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open baseline: %w", err)
	}
	defer in.Close()

	var r io.Reader
	switch comp {
	case CompressionZstd:
		zr, err := zstd.NewReader(in)
		if err != nil {
			return "", fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case CompressionXz:
		xzr, err := xz.NewReader(in)
		if err != nil {
			return "", fmt.Errorf("failed to create xz reader: %w", err)
		}
		r = xzr
	case CompressionLzip:
		lr, err := lzip.NewReader(in)
		if err != nil {
			return "", fmt.Errorf("failed to create lzip reader: %w", err)
		}
		r = lr
	default:
		return "", fmt.Errorf("unknown baseline compression %d", comp)
	}

	out := filepath.Join(dir, "baseline-"+filepath.Base(path)+".dump")
	f, err := os.Create(out)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", out, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", out, err)
	}
	return out, nil
}
