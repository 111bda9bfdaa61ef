package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLockHeld is returned when another instance holds the PID lock. It is not a failure.
var ErrLockHeld = errors.New("another instance is already running")

// ConfigError reports mandatory settings that are missing or empty.
type ConfigError struct {
	Missing []string
	Err     error
}

func (e *ConfigError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("missing mandatory settings: %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// StatusWriteError is returned when a status or monitor file cannot be written.
type StatusWriteError struct {
	Path string
	Err  error
}

func (e *StatusWriteError) Error() string {
	return fmt.Sprintf("unable to write %s: %v", e.Path, e.Err)
}

func (e *StatusWriteError) Unwrap() error {
	return e.Err
}

// SpaceError reports a free-space query that failed, or a hard space gate that did not pass.
type SpaceError struct {
	Op   string
	Path string
	Err  error
}

func (e *SpaceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: not enough free space on %s", e.Op, e.Path)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SpaceError) Unwrap() error {
	return e.Err
}

// SubprocessError reports an external command that exited non-zero or could not start.
type SubprocessError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *SubprocessError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("command %q failed with return code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *SubprocessError) Unwrap() error {
	return e.Err
}

// StateError reports a failed precondition, such as an overlapping run or a broken LSN chain.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return e.Reason
}

// NewStateError formats a StateError.
func NewStateError(format string, args ...interface{}) *StateError {
	return &StateError{Reason: fmt.Sprintf(format, args...)}
}

// ItemFailuresError reports staged items that failed during a scan. The
// scan itself ran to completion.
type ItemFailuresError struct {
	Command string
	Count   int
}

func (e *ItemFailuresError) Error() string {
	return fmt.Sprintf("%s: %d item(s) failed during this run", e.Command, e.Count)
}

// ExitCodeFor maps a run error to the process exit code.
func ExitCodeFor(err error) ExitCode {
	if err == nil || errors.Is(err, ErrLockHeld) {
		return ExitSuccess
	}
	return ExitFailure
}
