package types

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug - Debug logs (maximum detail)
	LogLevelDebug LogLevel = 5

	// LogLevelInfo - General information
	LogLevelInfo LogLevel = 4

	// LogLevelWarning - Warnings
	LogLevelWarning LogLevel = 3

	// LogLevelError - Errors
	LogLevelError LogLevel = 2

	// LogLevelCritical - Critical errors
	LogLevelCritical LogLevel = 1

	// LogLevelNone - No logs
	LogLevelNone LogLevel = 0
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelError:
		return "ERROR"
	case LogLevelCritical:
		return "CRITICAL"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a settings value to a LogLevel. Unknown values map to info.
func ParseLogLevel(s string) LogLevel {
	switch cases.Fold().String(strings.TrimSpace(s)) {
	case "debug", "5":
		return LogLevelDebug
	case "info", "4":
		return LogLevelInfo
	case "warning", "3":
		return LogLevelWarning
	case "error", "2":
		return LogLevelError
	case "critical", "1":
		return LogLevelCritical
	case "none", "0":
		return LogLevelNone
	default:
		return LogLevelInfo
	}
}

// Status is a single-line token stored in a status file.
type Status string

const (
	StatusStarted              Status = "started"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusReady                Status = "ready"
	StatusCompressing          Status = "compressing"
	StatusCopyingOffsite       Status = "copying offsite"
	StatusMoving               Status = "moving"
	StatusOK                   Status = "ok"
	StatusCompressionFailed    Status = "compression failed"
	StatusCopyingOffsiteFailed Status = "copying offsite failed"
	StatusMoveFailed           Status = "move failed"
	StatusRemovalFailed        Status = "removal failed"
)

// String returns the status token.
func (s Status) String() string {
	return string(s)
}

// Severity is the level of a monitor record.
type Severity string

const (
	SeverityOK       Severity = "OK"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// String returns the severity token.
func (s Severity) String() string {
	return string(s)
}

// Worse returns the more severe of s and other.
func (s Severity) Worse(other Severity) Severity {
	if severityRank(other) > severityRank(s) {
		return other
	}
	return s
}

func severityRank(s Severity) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// BackupType selects the backup procedure.
type BackupType string

const (
	BackupFull     BackupType = "full"
	BackupFirstInc BackupType = "firstinc"
	BackupInc      BackupType = "inc"
	BackupLastInc  BackupType = "lastinc"
)

// BackupTypes lists the accepted backup types in CLI order.
var BackupTypes = []BackupType{BackupFull, BackupFirstInc, BackupInc, BackupLastInc}

// ParseBackupType validates a backup type argument.
func ParseBackupType(s string) (BackupType, error) {
	for _, t := range BackupTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("invalid backup type %q (expected full, firstinc, inc or lastinc)", s)
}

// String returns the CLI token.
func (b BackupType) String() string {
	return string(b)
}

// IsIncremental reports whether b belongs to the incremental track.
func (b BackupType) IsIncremental() bool {
	return b == BackupFirstInc || b == BackupInc || b == BackupLastInc
}

// Label returns a human readable name used in monitor messages.
func (b BackupType) Label() string {
	switch b {
	case BackupFull:
		return "Full"
	case BackupFirstInc:
		return "First Incremental"
	case BackupInc:
		return "Incremental"
	case BackupLastInc:
		return "Last Incremental"
	default:
		return string(b)
	}
}
