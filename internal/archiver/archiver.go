// Package archiver packs staged incoming backups into tarballs, ships them
// offsite and removes the originals.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/tis24dev/ibex/internal/archive"
	"github.com/tis24dev/ibex/internal/checks"
	"github.com/tis24dev/ibex/internal/config"
	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/runner"
	"github.com/tis24dev/ibex/internal/staging"
	"github.com/tis24dev/ibex/internal/status"
	"github.com/tis24dev/ibex/internal/types"
)

// MonitorName is the monitor file suffix of the archiver.
const MonitorName = "archiver"

// DirectoryChecker ensures directories exist.
type DirectoryChecker interface {
	CheckDirectories(paths ...string) checks.CheckResult
}

// Summary tallies one scan. Failure counters include items that failed in
// earlier runs and are still waiting for an operator.
type Summary struct {
	Archived           int
	Waiting            int
	FailedCompressions int
	FailedOffsite      int
	FailedRemovals     int
	// NewFailures counts items that failed during this run.
	NewFailures int
}

// Message renders the monitor line.
func (s *Summary) Message() string {
	return fmt.Sprintf("Failed compressions:%d Failed offsite copies:%d Failed removals:%d",
		s.FailedCompressions, s.FailedOffsite, s.FailedRemovals)
}

// Severity is OK when every failure counter is zero.
func (s *Summary) Severity() types.Severity {
	if s.FailedCompressions+s.FailedOffsite+s.FailedRemovals > 0 {
		return types.SeverityCritical
	}
	return types.SeverityOK
}

// Items returns per-result counts for metrics.
func (s *Summary) Items() map[string]int {
	return map[string]int{
		"archived": s.Archived,
		"waiting":  s.Waiting,
		"failed":   s.FailedCompressions + s.FailedOffsite + s.FailedRemovals,
	}
}

// Archiver processes incomingBaseDir.
type Archiver struct {
	cfg     *config.ArchiverConfig
	runner  runner.Runner
	checker DirectoryChecker
	store   *status.Store
	tarball *archive.Builder
	scanner *staging.Scanner
	logger  *logging.Logger
}

// New creates an archiver. It fails on an invalid scanExclude pattern.
func New(cfg *config.ArchiverConfig, r runner.Runner, checker DirectoryChecker, store *status.Store, tarball *archive.Builder, logger *logging.Logger) (*Archiver, error) {
	scanner, err := staging.NewScanner(cfg.IncomingBaseDir, cfg.ScanExclude, logger)
	if err != nil {
		return nil, &types.ConfigError{Err: err}
	}
	return &Archiver{
		cfg:     cfg,
		runner:  r,
		checker: checker,
		store:   store,
		tarball: tarball,
		scanner: scanner,
		logger:  logger,
	}, nil
}

// Run performs one scan and records the summary in the monitor file. A
// failing item does not stop the scan; it is reported through
// *types.ItemFailuresError once every item was visited.
func (a *Archiver) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	monitor := status.NewMonitor(a.cfg.MonitorFile(MonitorName), a.logger, a.runner.DryRun())

	a.logger.Info("Starting archiver")
	a.logger.Debug("Checking critical directories")
	dirs := a.checker.CheckDirectories(a.cfg.IncomingBaseDir, a.cfg.ArchiveBaseDir)
	if !dirs.Passed {
		msg := "Directory check failed, archiver failed: " + dirs.Message
		if err := monitor.Record(types.SeverityCritical, msg); err != nil {
			return summary, errors.Join(dirs.Error, err)
		}
		return summary, dirs.Error
	}

	a.logger.Info("Looking for directories to work on")
	items, err := a.scanner.Scan()
	if err != nil {
		if !a.runner.DryRun() {
			a.logger.Critical("%v", err)
			return summary, err
		}
		a.logger.Info("Would scan %s: %v", a.scanner.Root(), err)
	}
	if len(items) == 0 {
		a.logger.Info("No directories found, nothing to do")
	} else {
		a.logger.Info("Found %d directories", len(items))
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := a.process(ctx, item, summary); err != nil {
			return summary, err
		}
	}

	a.logger.Info("Archiver summary: %s", summary.Message())
	if err := monitor.Record(summary.Severity(), summary.Message()); err != nil {
		return summary, err
	}
	if summary.NewFailures > 0 {
		return summary, &types.ItemFailuresError{Command: MonitorName, Count: summary.NewFailures}
	}
	return summary, nil
}

// process handles one item. Only status write failures are returned.
func (a *Archiver) process(ctx context.Context, item staging.Item, summary *Summary) error {
	st, ok := a.store.ReadStatus(item.StatusFile())
	if !ok {
		a.logger.Info("Directory %s has no readable status, waiting", item.Name)
		summary.Waiting++
		return nil
	}

	switch st {
	case types.StatusReady:
		return a.archive(ctx, item, summary)
	case types.StatusCompressionFailed:
		summary.FailedCompressions++
		a.logger.Warning("Directory %s compression failed, ignoring", item.Name)
	case types.StatusCopyingOffsiteFailed:
		summary.FailedOffsite++
		a.logger.Warning("Tarball offsite copy of %s failed, ignoring", item.Name)
	case types.StatusRemovalFailed:
		summary.FailedRemovals++
		a.logger.Warning("Directory %s removal failed, ignoring", item.Name)
	default:
		a.logger.Info("Directory %s not ready to be archived (%q), waiting", item.Name, st)
		summary.Waiting++
	}
	return nil
}

func (a *Archiver) archive(ctx context.Context, item staging.Item, summary *Summary) error {
	statusFile := item.StatusFile()

	a.logger.Step("Compressing %s", item.Name)
	if err := a.store.Set(statusFile, types.StatusCompressing); err != nil {
		return err
	}
	tarball, err := a.tarball.Create(ctx, a.cfg.IncomingBaseDir, item.Name, a.cfg.ArchiveBaseDir)
	if err != nil {
		a.logger.Critical("Compression of %s failed: %v", item.Name, err)
		summary.FailedCompressions++
		summary.NewFailures++
		return a.store.Set(statusFile, types.StatusCompressionFailed)
	}

	if a.cfg.OffsiteBaseDir != "" {
		a.logger.Step("Copying %s to %s", tarball, a.cfg.OffsiteBaseDir)
		if err := a.store.Set(statusFile, types.StatusCopyingOffsite); err != nil {
			return err
		}
		bwLimit := "--bwlimit=" + strconv.Itoa(a.cfg.RsyncBwLimit)
		if err := a.runner.Run(ctx, "rsync", "-rlv", bwLimit, tarball, a.cfg.OffsiteBaseDir+"/"); err != nil {
			a.logger.Critical("Copying %s offsite failed: %v", item.Name, err)
			summary.FailedOffsite++
			summary.NewFailures++
			return a.store.Set(statusFile, types.StatusCopyingOffsiteFailed)
		}
	}

	a.logger.Step("Removing %s", item.Path)
	if err := a.runner.Run(ctx, "rm", "-rf", item.Path); err != nil {
		a.logger.Critical("Removal of %s failed: %v", item.Path, err)
		summary.FailedRemovals++
		summary.NewFailures++
		return a.store.Set(statusFile, types.StatusRemovalFailed)
	}

	summary.Archived++
	return nil
}
