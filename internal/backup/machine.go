// Package backup drives the external hot-backup tool through the full and
// incremental backup cycle and stages the results for the other tiers.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/tis24dev/ibex/internal/archive"
	"github.com/tis24dev/ibex/internal/checks"
	"github.com/tis24dev/ibex/internal/config"
	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/runner"
	"github.com/tis24dev/ibex/internal/status"
	"github.com/tis24dev/ibex/internal/types"
	"github.com/tis24dev/ibex/pkg/utils"
)

const timestampFormat = "2006-01-02_15-04-05"

// Monitor messages read by external alerting.
const (
	msgNoSpace          = "Not enough free space!"
	msgNoSpaceSecondary = "Not enough free space in secondary location!"
	msgNoSpaceOffsite   = "Not enough free space in offsite location, archive not moved!"
)

// SpaceChecker is the subset of checks.Checker the machine needs.
type SpaceChecker interface {
	HasSpace(ctx context.Context, sourcePath, target string, multiplier float64) (bool, error)
	CheckDirectories(paths ...string) checks.CheckResult
}

// Options selects what a run does.
type Options struct {
	Type types.BackupType
	// NoOffsite keeps the lastinc archive in the prepared directory.
	NoOffsite bool
	// ClearStale resets a leftover "started" status to "failed" instead of aborting.
	ClearStale bool
}

// Result describes a finished run.
type Result struct {
	Type     types.BackupType
	Target   string
	Archive  string
	Warnings []string
	Severity types.Severity
}

// Degraded reports whether the run succeeded with warnings.
func (r *Result) Degraded() bool {
	return len(r.Warnings) > 0
}

func (r *Result) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Machine runs backups for one database instance.
type Machine struct {
	cfg     *config.BackupConfig
	runner  runner.Runner
	checker SpaceChecker
	store   *status.Store
	tarball *archive.Builder
	logger  *logging.Logger
	now     func() time.Time
}

// NewMachine wires a backup machine. The runner's dry-run flag applies to every step.
func NewMachine(cfg *config.BackupConfig, r runner.Runner, checker SpaceChecker, store *status.Store, tarball *archive.Builder, logger *logging.Logger) *Machine {
	return &Machine{
		cfg:     cfg,
		runner:  r,
		checker: checker,
		store:   store,
		tarball: tarball,
		logger:  logger,
		now:     time.Now,
	}
}

// MonitorFile returns the monitor file used for backup type t.
func (m *Machine) MonitorFile(t types.BackupType) string {
	if t.IsIncremental() {
		return m.cfg.MonitorFile("inc-backup")
	}
	return m.cfg.MonitorFile("full-backup")
}

func (m *Machine) statusFile(t types.BackupType) string {
	if t.IsIncremental() {
		return m.cfg.IncStatusFile()
	}
	return m.cfg.FullStatusFile()
}

func (m *Machine) dryRun() bool {
	return m.runner.DryRun()
}

// Run executes one backup of opts.Type and records the outcome in the
// type's monitor file. The returned Result is never nil.
func (m *Machine) Run(ctx context.Context, opts Options) (*Result, error) {
	res := &Result{Type: opts.Type, Severity: types.SeverityOK}
	label := opts.Type.Label()
	monitor := status.NewMonitor(m.MonitorFile(opts.Type), m.logger, m.dryRun())

	m.logger.Info("Starting %s backup run", opts.Type)

	copyToSecondary, err := m.preflight(ctx, opts.Type, monitor, res)
	if err != nil {
		res.Severity = types.SeverityCritical
		return res, err
	}

	if opts.Type == types.BackupFull {
		err = m.fullBackup(ctx, opts, copyToSecondary, monitor, res)
	} else {
		err = m.incBackup(ctx, opts, copyToSecondary, monitor, res)
	}

	if err != nil {
		res.Severity = types.SeverityCritical
		msg := label + " backup failed!"
		m.logger.Critical("%s %v", msg, err)
		if merr := monitor.Record(types.SeverityCritical, msg); merr != nil {
			return res, errors.Join(err, merr)
		}
		return res, err
	}

	severity, msg := types.SeverityOK, label+" backup successful"
	if res.Degraded() {
		severity, msg = types.SeverityWarning, label+" backup successful with warnings"
		m.logger.Warning("%s", msg)
	} else {
		m.logger.Info("%s", msg)
	}
	res.Severity = severity
	if err := monitor.Record(severity, msg); err != nil {
		res.Severity = types.SeverityCritical
		return res, err
	}
	return res, nil
}

// preflight ensures the critical directories and gates the run on free space.
// It reports whether the secondary copy can be made.
func (m *Machine) preflight(ctx context.Context, t types.BackupType, monitor *status.Monitor, res *Result) (bool, error) {
	fail := func(msg string, err error) (bool, error) {
		m.logger.Critical("%s", msg)
		if merr := monitor.Record(types.SeverityCritical, msg); merr != nil {
			return false, errors.Join(err, merr)
		}
		return false, err
	}

	m.logger.Debug("Checking critical directories")
	dirs := m.checker.CheckDirectories(m.cfg.BaseDir, m.cfg.PreparedDir(), m.cfg.SecondaryBaseDir, m.cfg.OffsiteBaseDir)
	if !dirs.Passed {
		return fail("Directory check failed, backup failed: "+dirs.Message, dirs.Error)
	}

	pointer := m.cfg.LatestFull()
	if t.IsIncremental() {
		pointer = m.cfg.LatestInc()
	}
	source := pointer
	if !utils.IsSymlink(pointer) {
		m.logger.Warning("This seems like the first run, %s does not exist; sizing against %s", filepath.Base(pointer), m.cfg.DatabaseDir)
		source = m.cfg.DatabaseDir
	}

	ok, err := m.checker.HasSpace(ctx, source, m.cfg.BaseDir, m.cfg.SpaceMultiplier)
	if err != nil {
		return fail("Free space check failed: "+err.Error(), err)
	}
	if !ok {
		return fail(msgNoSpace, &types.SpaceError{Op: "backup", Path: m.cfg.BaseDir})
	}

	ok, err = m.checker.HasSpace(ctx, source, m.cfg.SecondaryBaseDir, m.cfg.SpaceMultiplier)
	if err != nil {
		return fail("Free space check failed: "+err.Error(), err)
	}
	if !ok {
		m.logger.Warning("%s", msgNoSpaceSecondary)
		res.warn(msgNoSpaceSecondary)
		if err := monitor.Record(types.SeverityWarning, msgNoSpaceSecondary); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// guard refuses to start while the track's status still reads "started".
// The PID lock is held by this process, so such a marker is left over from
// a run that died; --clear-stale resets it.
func (m *Machine) guard(opts Options, monitor *status.Monitor, res *Result) error {
	statusFile := m.statusFile(opts.Type)
	st, ok := m.store.ReadStatus(statusFile)
	if !ok || st != types.StatusStarted {
		return nil
	}

	if !opts.ClearStale {
		return types.NewStateError("%s still reads %q but no other backup holds the lock: the previous run did not finish; rerun with --clear-stale to reset it", statusFile, st)
	}

	msg := "Stale started status cleared, previous run did not finish"
	m.logger.Warning("%s (%s)", msg, statusFile)
	if err := m.store.Set(statusFile, types.StatusFailed); err != nil {
		return err
	}
	res.warn(msg)
	return monitor.Record(types.SeverityWarning, msg)
}

func (m *Machine) credentials() []string {
	return []string{
		"--user=" + m.cfg.DBUser,
		"--password=" + m.cfg.DBPass,
		"--socket=" + m.cfg.SocketPath,
	}
}

func (m *Machine) newTarget() string {
	return filepath.Join(m.cfg.PreparedDir(), m.now().Format(timestampFormat))
}

// markFailed rewrites the status after a failure that followed "started".
func (m *Machine) markFailed(statusFile string, err *error) {
	if *err == nil {
		return
	}
	m.logger.Debug("Setting status file to failed")
	if werr := m.store.Set(statusFile, types.StatusFailed); werr != nil {
		*err = errors.Join(*err, werr)
	}
}

func (m *Machine) fullBackup(ctx context.Context, opts Options, copyToSecondary bool, monitor *status.Monitor, res *Result) (err error) {
	if err := m.guard(opts, monitor, res); err != nil {
		return err
	}

	statusFile := m.cfg.FullStatusFile()
	target := m.newTarget()
	res.Target = target

	if err := m.store.Set(statusFile, types.StatusStarted); err != nil {
		return err
	}
	defer m.markFailed(statusFile, &err)

	m.logger.Step("Running full backup into %s", target)
	args := append(m.credentials(), "--no-timestamp", target+"/")
	if err := m.runner.Run(ctx, m.cfg.BackupTool, args...); err != nil {
		return err
	}

	if err := m.copyToSecondary(ctx, target, copyToSecondary); err != nil {
		return err
	}

	m.logger.Step("Preparing backup")
	if err := m.runner.Run(ctx, m.cfg.BackupTool, "--apply-log", "--redo-only", target+"/"); err != nil {
		return err
	}

	if err := Repoint(m.cfg.LatestFull(), target, m.logger, m.dryRun()); err != nil {
		return err
	}

	return m.store.Set(statusFile, types.StatusCompleted)
}

func (m *Machine) copyToSecondary(ctx context.Context, target string, enabled bool) error {
	if !enabled {
		m.logger.Skip("Skipping copy to secondary location, not enough free space")
		return nil
	}

	m.logger.Step("Copying backup to secondary location %s", m.cfg.SecondaryBaseDir)
	if err := m.runner.Run(ctx, "cp", "-a", target, m.cfg.SecondaryBaseDir+"/"); err != nil {
		return err
	}
	staged := filepath.Join(m.cfg.SecondaryBaseDir, filepath.Base(target), config.CopyStatusFile)
	return m.store.Set(staged, types.StatusReady)
}

// checkIncrementalBase validates the chain an incremental builds on and
// returns its base directory.
func (m *Machine) checkIncrementalBase(t types.BackupType) (string, error) {
	if t == types.BackupFirstInc {
		cp, err := ReadCheckpoints(m.cfg.LatestFull())
		if err != nil {
			return "", err
		}
		if cp.BackupType != FullPrepared {
			return "", types.NewStateError("full backup is not fully prepared (backup_type = %q)", cp.BackupType)
		}
		return m.cfg.LatestFull(), nil
	}

	full, err := ReadCheckpoints(m.cfg.LatestFull())
	if err != nil {
		return "", err
	}
	inc, err := ReadCheckpoints(m.cfg.LatestInc())
	if err != nil {
		return "", err
	}
	fullLSN, err := full.ToLSN()
	if err != nil {
		return "", err
	}
	incLSN, err := inc.ToLSN()
	if err != nil {
		return "", err
	}
	m.logger.Debug("Full backup LSN %d, incremental backup LSN %d", fullLSN, incLSN)
	if fullLSN != incLSN {
		return "", types.NewStateError("last backup is not fully prepared: full to_lsn %d != incremental to_lsn %d", fullLSN, incLSN)
	}
	return m.cfg.LatestInc(), nil
}

func (m *Machine) incBackup(ctx context.Context, opts Options, copyToSecondary bool, monitor *status.Monitor, res *Result) (err error) {
	if err := m.guard(opts, monitor, res); err != nil {
		return err
	}

	base, err := m.checkIncrementalBase(opts.Type)
	if err != nil {
		m.logger.Critical("%v", err)
		return err
	}

	statusFile := m.cfg.IncStatusFile()
	target := m.newTarget()
	res.Target = target

	if err := m.store.Set(statusFile, types.StatusStarted); err != nil {
		return err
	}
	defer m.markFailed(statusFile, &err)

	m.logger.Step("Running %s backup into %s", opts.Type.Label(), target)
	args := append(m.credentials(), "--incremental", target, "--incremental-basedir="+base+"/", "--no-timestamp")
	if err := m.runner.Run(ctx, m.cfg.BackupTool, args...); err != nil {
		return err
	}

	if err := m.copyToSecondary(ctx, target, copyToSecondary); err != nil {
		return err
	}

	m.logger.Step("Preparing backup")
	prepare := []string{"--apply-log"}
	if opts.Type != types.BackupLastInc {
		prepare = append(prepare, "--redo-only")
	}
	prepare = append(prepare, m.cfg.LatestFull()+"/", "--incremental-dir="+target+"/")
	if err := m.runner.Run(ctx, m.cfg.BackupTool, prepare...); err != nil {
		return err
	}

	if err := Repoint(m.cfg.LatestInc(), target, m.logger, m.dryRun()); err != nil {
		return err
	}

	if opts.Type == types.BackupLastInc {
		if err := m.archiveFull(ctx, opts, monitor, res); err != nil {
			return err
		}
	}

	return m.store.Set(statusFile, types.StatusCompleted)
}

// archiveFull finalizes the full backup the cycle was built on, packs it
// and moves the tarball offsite.
func (m *Machine) archiveFull(ctx context.Context, opts Options, monitor *status.Monitor, res *Result) error {
	fullDir, err := PointerTarget(m.cfg.LatestFull())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", m.cfg.LatestFull(), err)
	}
	fullName := filepath.Base(fullDir)
	m.logger.Debug("Full backup name: %s", fullName)

	m.logger.Step("Preparing full backup")
	if err := m.runner.Run(ctx, m.cfg.BackupTool, "--apply-log", m.cfg.LatestFull()+"/"); err != nil {
		return err
	}

	ok, err := m.checker.HasSpace(ctx, m.cfg.LatestFull(), m.cfg.BaseDir, 1)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Critical("Not enough free space, skipping archiving")
		return &types.SpaceError{Op: "archive", Path: m.cfg.BaseDir}
	}

	m.logger.Step("Archiving full backup %s", fullName)
	tarball, err := m.tarball.Create(ctx, m.cfg.PreparedDir(), fullName, m.cfg.PreparedDir())
	if err != nil {
		return err
	}
	res.Archive = tarball

	if opts.NoOffsite {
		m.logger.Skip("Skipping move to offsite location")
		return nil
	}

	m.logger.Step("Moving archive to offsite location %s", m.cfg.OffsiteBaseDir)
	source := tarball
	if m.dryRun() {
		source = m.cfg.LatestFull()
	}
	ok, err = m.checker.HasSpace(ctx, source, m.cfg.OffsiteBaseDir, 1)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Warning("%s", msgNoSpaceOffsite)
		res.warn(msgNoSpaceOffsite)
		return monitor.Record(types.SeverityWarning, msgNoSpaceOffsite)
	}

	if err := m.runner.Run(ctx, "mv", tarball, m.cfg.OffsiteBaseDir+"/"); err != nil {
		return err
	}
	res.Archive = filepath.Join(m.cfg.OffsiteBaseDir, filepath.Base(tarball))
	m.logger.Debug("Move successful")
	return nil
}
