// Package staging enumerates the directories that move between pipeline
// tiers. Each item carries a copy-status file describing its progress.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tis24dev/ibex/internal/config"
	"github.com/tis24dev/ibex/internal/logging"
)

// ErrInvalidPattern is returned for a scanExclude glob that cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// Item is one staged directory.
type Item struct {
	Name string
	Path string
}

// StatusFile returns the item's copy-status path.
func (i Item) StatusFile() string {
	return filepath.Join(i.Path, config.CopyStatusFile)
}

// Scanner lists the staged directories directly under a root.
type Scanner struct {
	root     string
	excludes []string
	logger   *logging.Logger
}

// ValidatePatterns checks scanExclude globs.
func ValidatePatterns(excludes []string) error {
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("scanExclude %q: %w", pattern, ErrInvalidPattern)
		}
	}
	return nil
}

// NewScanner validates excludes and returns a scanner for root.
func NewScanner(root string, excludes []string, logger *logging.Logger) (*Scanner, error) {
	if err := ValidatePatterns(excludes); err != nil {
		return nil, err
	}
	return &Scanner{root: root, excludes: excludes, logger: logger}, nil
}

// Root returns the scanned directory.
func (s *Scanner) Root() string {
	return s.root
}

// Scan returns the subdirectories of the root in name order. Regular files
// and excluded names are skipped.
func (s *Scanner) Scan() ([]Item, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(s.root, name)

		if !entry.IsDir() {
			// Symlinks to directories still count as items.
			info, err := os.Stat(path)
			if err != nil || !info.IsDir() {
				continue
			}
		}
		if s.excluded(name) {
			s.logger.Debug("Skipping excluded item %s", path)
			continue
		}
		items = append(items, Item{Name: name, Path: path})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	s.logger.Debug("Found %d item(s) in %s", len(items), s.root)
	return items, nil
}

func (s *Scanner) excluded(name string) bool {
	for _, pattern := range s.excludes {
		matched, err := doublestar.Match(pattern, name)
		if err == nil && matched {
			return true
		}
	}
	return false
}
