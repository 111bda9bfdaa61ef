package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tis24dev/ibex/internal/logging"
)

// Repoint makes link point at target. The new link is created under a
// temporary name and renamed over the old one, so readers always see either
// the old or the new target.
func Repoint(link, target string, logger *logging.Logger, dryRun bool) error {
	if dryRun {
		logger.Info("Would point %s at %s", link, target)
		return nil
	}

	tmp := filepath.Join(filepath.Dir(link), "."+filepath.Base(link)+".tmp-"+strconv.Itoa(os.Getpid()))
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create symlink %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace symlink %s: %w", link, err)
	}
	logger.Debug("Symlink %s -> %s", link, target)
	return nil
}

// PointerTarget returns the directory a pointer symlink refers to, resolved
// against the link's directory when relative.
func PointerTarget(link string) (string, error) {
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	return filepath.Clean(target), nil
}
