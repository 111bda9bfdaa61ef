package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tis24dev/ibex/internal/checks"
	"github.com/tis24dev/ibex/internal/config"
	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/metrics"
	"github.com/tis24dev/ibex/internal/types"
	"github.com/tis24dev/ibex/internal/version"
)

// loggedError marks an error already written to the command log.
type loggedError struct {
	err error
}

func (e *loggedError) Error() string { return e.err.Error() }

func (e *loggedError) Unwrap() error { return e.err }

// session is one locked command run with its log file open.
type session struct {
	ctx     context.Context
	name    string
	common  config.Common
	logger  *logging.Logger
	lock    *checks.Lock
	start   time.Time
	closeFn func()
}

func (a *App) loadSettings() (*config.Settings, error) {
	if a.settingsPath == "" {
		return nil, &types.ConfigError{Err: errors.New("a settings file is required (-s/--settings)")}
	}
	return config.Load(a.settingsPath)
}

// openSession starts the command log and takes the lock. Settings must be
// validated before this point so a broken config leaves no trace on disk.
func (a *App) openSession(ctx context.Context, name string, common config.Common) (*session, error) {
	logger, logPath, closeLog, err := logging.StartCommandLogger(common.LogDir, name, common.LogLevel, a.UseColor)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(a.Stdout)
	if a.Bootstrap != nil {
		a.Bootstrap.Flush(logger)
	}

	logger.Info("%s %s starting (log: %s)", name, version.String(), logPath)
	if a.dryRun {
		logger.Info("Dry run: no changes will be made")
	}

	lock, err := checks.AcquireLock(common.PIDFile(name), logger)
	if err != nil {
		if errors.Is(err, types.ErrLockHeld) {
			logger.Info("Another %s is running, exiting", name)
		} else {
			logger.Critical("Cannot take lock: %v", err)
			err = &loggedError{err: err}
		}
		closeLog()
		return nil, err
	}

	return &session{
		ctx:     ctx,
		name:    name,
		common:  common,
		logger:  logger,
		lock:    lock,
		start:   time.Now(),
		closeFn: closeLog,
	}, nil
}

// finish exports run metrics, releases the lock and closes the log. It
// returns runErr marked as logged.
func (s *session) finish(job string, severity types.Severity, items map[string]int, runErr error) error {
	elapsed := time.Since(s.start)
	exitCode := types.ExitCodeFor(runErr)
	if runErr != nil {
		severity = severity.Worse(types.SeverityCritical)
	}

	if s.ctx.Err() != nil {
		s.logger.Warning("Run interrupted: %v", context.Cause(s.ctx))
	}
	if runErr != nil {
		s.logger.Critical("%s failed after %s: %v", s.name, elapsed.Round(time.Second), runErr)
	} else {
		s.logger.Info("%s finished in %s", s.name, elapsed.Round(time.Second))
	}

	if s.common.MetricsDir != "" {
		exporter := metrics.NewPrometheusExporter(s.common.MetricsDir, s.logger)
		err := exporter.Export(&metrics.RunMetrics{
			Job:          job,
			StartTime:    s.start,
			Duration:     elapsed,
			ExitCode:     exitCode.Int(),
			Severity:     severity,
			WarningCount: s.logger.WarningCount(),
			ErrorCount:   s.logger.ErrorCount(),
			Items:        items,
		})
		if err != nil {
			s.logger.Warning("Metrics export failed: %v", err)
		}
	}

	if err := s.lock.Release(); err != nil {
		s.logger.Warning("Lock release failed: %v", err)
	}
	s.closeFn()

	if runErr == nil {
		return nil
	}
	return &loggedError{err: runErr}
}

// configFailure reports an invalid configuration on stderr only; nothing is
// created on disk.
func (a *App) configFailure(err error) error {
	fmt.Fprintf(a.Stderr, "ibex: %v\n", err)
	return &loggedError{err: err}
}
