package checks

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tis24dev/ibex/internal/safefs"
	"github.com/tis24dev/ibex/internal/types"
)

// HasSpace reports whether the filesystem holding target can absorb
// sourcePath multiplied by multiplier. Equality counts as insufficient.
// A failure to measure either side is returned as *types.SpaceError.
func (c *Checker) HasSpace(ctx context.Context, sourcePath, target string, multiplier float64) (bool, error) {
	size, err := c.sizeKiB(sourcePath)
	if err != nil {
		c.logger.Critical("Unable to determine size of %s: %v", sourcePath, err)
		return false, &types.SpaceError{Op: "size", Path: sourcePath, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	probe := target
	if c.dryRun {
		probe = existingAncestor(target)
		if probe != target {
			c.logger.Info("Would check free space on %s, measuring %s instead", target, probe)
		}
	}

	available, err := c.freeKiB(ctx, probe)
	if err != nil {
		c.logger.Critical("Unable to determine free space on %s: %v", target, err)
		return false, &types.SpaceError{Op: "free space", Path: target, Err: err}
	}

	required := float64(size) * multiplier
	c.logger.Debug("Size of %s: %s", sourcePath, humanize.IBytes(size*1024))
	c.logger.Debug("Free space on %s: %s, required: %s (x%.2f)",
		target, humanize.IBytes(available*1024), humanize.IBytes(uint64(required*1024)), multiplier)

	return required < float64(available), nil
}

// existingAncestor returns path or its closest parent that exists. A dry
// run does not create directories, so the filesystem that would hold them is
// measured through the parent.
func existingAncestor(path string) string {
	dir := filepath.Clean(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// StatfsTimeout bounds the free-space query on a hung mount.
const StatfsTimeout = 30 * time.Second

// FreeSpaceKiB returns the space available to unprivileged users on the
// filesystem holding path, in KiB.
func FreeSpaceKiB(ctx context.Context, path string) (uint64, error) {
	stat, err := safefs.Statfs(ctx, path, StatfsTimeout)
	if err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize) / 1024, nil
}

type inodeKey struct {
	dev uint64
	ino uint64
}

// DiskUsageKiB returns the allocated size of path in KiB, counting hard
// links once. A symlinked path is resolved before walking.
func DiskUsageKiB(path string) (uint64, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return 0, err
	}

	var blocks uint64
	seen := make(map[inodeKey]struct{})

	err = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			blocks += uint64((info.Size() + 511) / 512)
			return nil
		}
		if st.Nlink > 1 && !info.IsDir() {
			key := inodeKey{dev: uint64(st.Dev), ino: st.Ino}
			if _, dup := seen[key]; dup {
				return nil
			}
			seen[key] = struct{}{}
		}
		blocks += uint64(st.Blocks)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return blocks * 512 / 1024, nil
}
