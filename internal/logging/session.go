package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tis24dev/ibex/internal/types"
)

// StartCommandLogger creates the logger for one command run. It appends to
// <logDir>/<name>.log and returns a cleanup function that closes the file.
func StartCommandLogger(logDir, name string, level types.LogLevel, useColor bool) (*Logger, string, func(), error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, name+".log")
	logger := New(level, useColor)
	if err := logger.OpenLogFile(logPath); err != nil {
		return nil, "", nil, err
	}

	cleanup := func() {
		_ = logger.CloseLogFile()
	}
	return logger, logPath, cleanup, nil
}
