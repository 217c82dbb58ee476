// Package scratch manages the private working directories checks use for
// generated build graphs, probe sources and install trees.
package scratch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsukumogami/checkbuild/internal/log"
)

// DirPrefix is the prefix of every scratch directory created by check-build.
const DirPrefix = "check-build-"

// DefaultMaxAge is the age after which an abandoned scratch directory is
// considered orphaned.
const DefaultMaxAge = 1 * time.Hour

// With creates a fresh scratch directory, passes it to fn and removes it on
// every exit path, including a panic in fn. A removal failure is reported
// only when fn itself succeeded.
func With(name string, fn func(dir string) error) (err error) {
	dir, err := os.MkdirTemp("", DirPrefix+name+"-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil && err == nil {
			err = fmt.Errorf("remove scratch directory %s: %w", dir, rmErr)
		}
	}()
	return fn(dir)
}

// Cleaner removes scratch directories left behind by runs that were killed
// before their deferred cleanup could run.
type Cleaner struct {
	root   string
	maxAge time.Duration
	logger log.Logger
	now    func() time.Time
}

// CleanerOption configures a Cleaner.
type CleanerOption func(*Cleaner)

// WithRoot sets the directory scanned for orphans (default os.TempDir()).
func WithRoot(dir string) CleanerOption {
	return func(c *Cleaner) {
		c.root = dir
	}
}

// WithMaxAge sets the minimum age of a directory before it is removed.
func WithMaxAge(age time.Duration) CleanerOption {
	return func(c *Cleaner) {
		c.maxAge = age
	}
}

// WithLogger sets the logger for cleanup operations.
func WithLogger(l log.Logger) CleanerOption {
	return func(c *Cleaner) {
		c.logger = l
	}
}

// NewCleaner creates a Cleaner.
func NewCleaner(opts ...CleanerOption) *Cleaner {
	c := &Cleaner{
		root:   os.TempDir(),
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CleanOrphans removes stale scratch directories and returns how many were
// removed. Entries that cannot be inspected are skipped.
func (c *Cleaner) CleanOrphans() (int, error) {
	logger := log.OrDefault(c.logger)

	entries, err := os.ReadDir(c.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", c.root, err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), DirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if c.now().Sub(info.ModTime()) < c.maxAge {
			continue
		}
		path := filepath.Join(c.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("cannot remove orphaned scratch directory", "path", path, "error", err)
			continue
		}
		logger.Debug("removed orphaned scratch directory", "path", path)
		removed++
	}
	return removed, nil
}
