// Package types defines shared application data types.
package types

// ExitCode represents the application's exit codes.
type ExitCode int

const (
	// ExitSuccess - Execution completed successfully, or another instance holds the lock.
	ExitSuccess ExitCode = 0

	// ExitFailure - Any handled failure (configuration, space, subprocess, state, I/O).
	ExitFailure ExitCode = 1
)

// String returns a human-readable description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Int returns the exit code as an integer.
func (e ExitCode) Int() int {
	return int(e)
}
