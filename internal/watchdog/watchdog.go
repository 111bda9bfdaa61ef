// Package watchdog moves secondary backup copies into long term storage
// once the backup command has marked them ready.
package watchdog

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tis24dev/ibex/internal/checks"
	"github.com/tis24dev/ibex/internal/config"
	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/runner"
	"github.com/tis24dev/ibex/internal/staging"
	"github.com/tis24dev/ibex/internal/status"
	"github.com/tis24dev/ibex/internal/types"
)

// MonitorName is the monitor file suffix of the watchdog.
const MonitorName = "watchdog"

// DirectoryChecker ensures directories exist.
type DirectoryChecker interface {
	CheckDirectories(paths ...string) checks.CheckResult
}

// Summary tallies one scan. Failure counters include items left in a failed
// state by earlier runs.
type Summary struct {
	Moved          int
	Waiting        int
	FailedMoves    int
	FailedRemovals int
	// NewFailures counts items that failed during this run.
	NewFailures int
}

// Message renders the monitor line.
func (s *Summary) Message() string {
	return fmt.Sprintf("Failed moves:%d Failed removals:%d", s.FailedMoves, s.FailedRemovals)
}

// Severity is CRITICAL while any failed item remains.
func (s *Summary) Severity() types.Severity {
	if s.FailedMoves+s.FailedRemovals > 0 {
		return types.SeverityCritical
	}
	return types.SeverityOK
}

// Items returns per-result counts for metrics.
func (s *Summary) Items() map[string]int {
	return map[string]int{
		"moved":   s.Moved,
		"waiting": s.Waiting,
		"failed":  s.FailedMoves + s.FailedRemovals,
	}
}

// Watchdog moves secondary copies made by the backup command into long
// term storage.
type Watchdog struct {
	cfg     *config.WatchdogConfig
	runner  runner.Runner
	checker DirectoryChecker
	store   *status.Store
	scanner *staging.Scanner
	logger  *logging.Logger
}

// New builds a Watchdog. An invalid exclude pattern is a *types.ConfigError.
func New(cfg *config.WatchdogConfig, r runner.Runner, checker DirectoryChecker, store *status.Store, logger *logging.Logger) (*Watchdog, error) {
	scanner, err := staging.NewScanner(cfg.SecondaryBaseDir, cfg.ScanExclude, logger)
	if err != nil {
		return nil, &types.ConfigError{Err: err}
	}
	return &Watchdog{cfg: cfg, runner: r, checker: checker, store: store, scanner: scanner, logger: logger}, nil
}

// Run scans the secondary directory once, moves every ready item and appends
// one summary line to the monitor file. Items that fail during the run are
// reported as *types.ItemFailuresError after the whole scan.
func (w *Watchdog) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	monitor := status.NewMonitor(w.cfg.MonitorFile(MonitorName), w.logger, w.runner.DryRun())

	w.logger.Info("Starting watchdog")
	if dirs := w.checker.CheckDirectories(w.cfg.SecondaryBaseDir, w.cfg.StorageBaseDir); !dirs.Passed {
		if err := monitor.Record(types.SeverityCritical, "Directory check failed, watchdog failed: "+dirs.Message); err != nil {
			w.logger.Error("%v", err)
		}
		return summary, dirs.Error
	}

	items, err := w.scanner.Scan()
	if err != nil {
		if !w.runner.DryRun() {
			w.logger.Critical("%v", err)
			return summary, err
		}
		w.logger.Info("Would scan %s: %v", w.scanner.Root(), err)
	}
	w.logger.Info("Found %d directories in %s", len(items), w.cfg.SecondaryBaseDir)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := w.process(ctx, item, summary); err != nil {
			return summary, err
		}
	}

	w.logger.Info("Watchdog summary: %s", summary.Message())
	if err := monitor.Record(summary.Severity(), summary.Message()); err != nil {
		return summary, err
	}
	if summary.NewFailures > 0 {
		return summary, &types.ItemFailuresError{Command: MonitorName, Count: summary.NewFailures}
	}
	return summary, nil
}

func (w *Watchdog) process(ctx context.Context, item staging.Item, summary *Summary) error {
	st, ok := w.store.ReadStatus(item.StatusFile())
	if !ok {
		w.logger.Info("Directory %s has no readable status, waiting", item.Name)
		summary.Waiting++
		return nil
	}

	switch st {
	case types.StatusReady:
		return w.move(ctx, item, summary)
	case types.StatusMoveFailed:
		summary.FailedMoves++
		w.logger.Warning("Move of %s failed in an earlier run, ignoring", item.Name)
	case types.StatusRemovalFailed:
		summary.FailedRemovals++
		w.logger.Warning("Removal of %s failed in an earlier run, ignoring", item.Name)
	default:
		w.logger.Info("Directory %s not ready to be moved (%q), waiting", item.Name, st)
		summary.Waiting++
	}
	return nil
}

// move copies the item into storage before touching the source, so a failed
// copy never loses data.
func (w *Watchdog) move(ctx context.Context, item staging.Item, summary *Summary) error {
	statusFile := item.StatusFile()

	w.logger.Step("Moving %s to %s", item.Name, w.cfg.StorageBaseDir)
	if err := w.store.Set(statusFile, types.StatusMoving); err != nil {
		return err
	}
	if err := w.runner.Run(ctx, "cp", "-a", item.Path, w.cfg.StorageBaseDir+"/"); err != nil {
		w.logger.Critical("Copy of %s to storage failed: %v", item.Name, err)
		summary.FailedMoves++
		summary.NewFailures++
		return w.store.Set(statusFile, types.StatusMoveFailed)
	}

	stored := filepath.Join(w.cfg.StorageBaseDir, item.Name, config.CopyStatusFile)
	if err := w.store.Set(stored, types.StatusOK); err != nil {
		return err
	}

	if err := w.runner.Run(ctx, "rm", "-rf", item.Path); err != nil {
		w.logger.Critical("Removal of %s failed: %v", item.Path, err)
		summary.FailedRemovals++
		summary.NewFailures++
		return w.store.Set(statusFile, types.StatusRemovalFailed)
	}

	summary.Moved++
	return nil
}
