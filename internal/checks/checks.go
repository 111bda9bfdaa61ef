// Package checks implements the pre-flight validations shared by every ibex
// command: critical directories, free space and the single-instance lock.
package checks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tis24dev/ibex/internal/logging"
)

var (
	osStat     = os.Stat
	osMkdirAll = os.MkdirAll
)

// Checker performs pre-flight validation checks.
type Checker struct {
	logger *logging.Logger
	dryRun bool

	sizeKiB func(path string) (uint64, error)
	freeKiB func(ctx context.Context, path string) (uint64, error)
}

// CheckResult holds the result of a validation check.
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
}

// NewChecker creates a checker. In dry-run mode missing directories are
// reported but not created.
func NewChecker(logger *logging.Logger, dryRun bool) *Checker {
	return &Checker{
		logger:  logger,
		dryRun:  dryRun,
		sizeKiB: DiskUsageKiB,
		freeKiB: FreeSpaceKiB,
	}
}

// CheckDirectories verifies the given directories exist and creates the
// missing ones.
func (c *Checker) CheckDirectories(paths ...string) CheckResult {
	result := CheckResult{
		Name:   "Directories",
		Passed: false,
	}

	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		dir := filepath.Clean(path)
		if dir == "" || dir == "." || dir == "/" {
			continue
		}
		if _, dup := seen[dir]; dup {
			continue
		}
		seen[dir] = struct{}{}

		c.logger.Debug("Checking directory: %s", dir)
		info, err := osStat(dir)
		if err == nil {
			if !info.IsDir() {
				result.Error = fmt.Errorf("required path is not a directory: %s", dir)
				result.Message = result.Error.Error()
				c.logger.Critical("%s", result.Message)
				return result
			}
			continue
		}

		if !os.IsNotExist(err) {
			result.Error = fmt.Errorf("failed to stat directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Critical("%s", result.Message)
			return result
		}

		if c.dryRun {
			c.logger.Info("Would create directory: %s", dir)
			continue
		}

		if err := osMkdirAll(dir, 0o755); err != nil {
			result.Error = fmt.Errorf("failed to create directory %s: %w", dir, err)
			result.Message = result.Error.Error()
			c.logger.Critical("%s", result.Message)
			return result
		}
		c.logger.Warning("Directory %s not found, created", dir)
	}

	result.Passed = true
	result.Message = "All required directories exist"
	c.logger.Debug("%s", result.Message)
	return result
}
