package status

import (
	"fmt"
	"os"
	"time"

	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/types"
)

const monitorTimeFormat = "2006-01-02_15-04-05"

// Monitor appends "<timestamp>:<SEVERITY>:<message>" records to a
// per-subsystem file read by external alerting.
type Monitor struct {
	path   string
	logger *logging.Logger
	dryRun bool
	now    func() time.Time
}

// NewMonitor creates a monitor writing to path.
func NewMonitor(path string, logger *logging.Logger, dryRun bool) *Monitor {
	return &Monitor{
		path:   path,
		logger: logger,
		dryRun: dryRun,
		now:    time.Now,
	}
}

// Record appends one record. A failed append is returned as *types.StatusWriteError.
func (m *Monitor) Record(severity types.Severity, message string) error {
	line := fmt.Sprintf("%s:%s:%s\n", m.now().Format(monitorTimeFormat), severity, message)

	if m.dryRun {
		m.logger.Info("Would record monitor entry %q in %s", line[:len(line)-1], m.path)
		return nil
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		m.logger.Critical("Unable to open monitor file %s: %v", m.path, err)
		return &types.StatusWriteError{Path: m.path, Err: err}
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		m.logger.Critical("Unable to write monitor file %s: %v", m.path, err)
		return &types.StatusWriteError{Path: m.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &types.StatusWriteError{Path: m.path, Err: err}
	}
	return nil
}
