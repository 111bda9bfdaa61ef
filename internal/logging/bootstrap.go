package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/tis24dev/ibex/internal/types"
)

type bootstrapEntry struct {
	level   types.LogLevel
	message string
}

// BootstrapLogger buffers messages produced before the settings are read and the
// command log file is open, so they can be replayed into the final log.
type BootstrapLogger struct {
	mu      sync.Mutex
	entries []bootstrapEntry
	flushed bool
}

// NewBootstrapLogger creates an empty bootstrap logger.
func NewBootstrapLogger() *BootstrapLogger {
	return &BootstrapLogger{}
}

// Debug records a debug message without printing it.
func (b *BootstrapLogger) Debug(format string, args ...interface{}) {
	b.record(types.LogLevelDebug, fmt.Sprintf(format, args...))
}

// Info records an informational message.
func (b *BootstrapLogger) Info(format string, args ...interface{}) {
	b.record(types.LogLevelInfo, fmt.Sprintf(format, args...))
}

// Warning records a warning and echoes it on stderr.
func (b *BootstrapLogger) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, msg)
	b.record(types.LogLevelWarning, msg)
}

// Critical records a critical message and echoes it on stderr.
func (b *BootstrapLogger) Critical(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, msg)
	b.record(types.LogLevelCritical, msg)
}

func (b *BootstrapLogger) record(level types.LogLevel, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, bootstrapEntry{level: level, message: message})
}

// Flush replays the buffered entries into logger (only the first time).
func (b *BootstrapLogger) Flush(logger *Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return
	}
	for _, entry := range b.entries {
		switch entry.level {
		case types.LogLevelDebug:
			logger.Debug("%s", entry.message)
		case types.LogLevelWarning:
			logger.Warning("%s", entry.message)
		case types.LogLevelCritical:
			logger.Critical("%s", entry.message)
		default:
			logger.Info("%s", entry.message)
		}
	}
	b.flushed = true
	b.entries = nil
}
