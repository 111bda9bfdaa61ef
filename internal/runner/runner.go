// Package runner executes the external tools ibex drives (backup utility,
// tar, rsync, cp, rm, mv) with their output routed into the logger.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/types"
)

const stderrTailLines = 20

// killGrace bounds how long Wait keeps reading output after the process
// group was killed.
const killGrace = 5 * time.Second

// Runner executes external commands. Arguments are passed as argv, never
// through a shell.
type Runner interface {
	// Run streams stdout at DEBUG and stderr at WARNING.
	Run(ctx context.Context, name string, args ...string) error
	// Capture returns stdout and stderr combined and trimmed.
	Capture(ctx context.Context, name string, args ...string) (string, error)
	// DryRun reports whether commands are only logged.
	DryRun() bool
}

// Exec is the os/exec backed Runner.
type Exec struct {
	logger  *logging.Logger
	dryRun  bool
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates a Runner. With dryRun set nothing is ever spawned.
func New(logger *logging.Logger, dryRun bool) *Exec {
	return &Exec{
		logger:  logger,
		dryRun:  dryRun,
		command: groupCommand,
	}
}

// groupCommand starts the tool in its own process group so cancellation
// reaches every process it spawned (innobackupex forks xtrabackup, tar
// forks its compressor).
func groupCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return cmd.Process.Kill()
		}
		return err
	}
	cmd.WaitDelay = killGrace
	return cmd
}

// DryRun implements Runner.
func (e *Exec) DryRun() bool {
	return e.dryRun
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, name string, args ...string) error {
	display := FormatCommand(name, args...)
	if e.dryRun {
		e.logger.Info("Would run command: %q", display)
		return nil
	}

	e.logger.Debug("Running command: %s", display)
	cmd := e.command(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &types.SubprocessError{Command: display, ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &types.SubprocessError{Command: display, ExitCode: -1, Err: err}
	}
	if err := cmd.Start(); err != nil {
		e.logger.Critical("Command %q could not be started: %v", display, err)
		return &types.SubprocessError{Command: display, ExitCode: -1, Err: err}
	}

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.drain(stdout, func(line string) { e.logger.Debug("%s", line) })
	}()
	go func() {
		defer wg.Done()
		e.drain(stderr, func(line string) {
			e.logger.Warning("%s", line)
			tail = append(tail, line)
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
		})
	}()
	// Pipes must be fully read before Wait closes them.
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return e.failure(ctx, display, strings.Join(tail, "\n"), err)
	}
	return nil
}

// Capture implements Runner.
func (e *Exec) Capture(ctx context.Context, name string, args ...string) (string, error) {
	display := FormatCommand(name, args...)
	if e.dryRun {
		e.logger.Info("Would run command: %q", display)
		return "", nil
	}

	e.logger.Debug("Running command: %s", display)
	out, err := e.command(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, e.failure(ctx, display, output, err)
	}
	return output, nil
}

func (e *Exec) drain(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			emit(line)
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger.Debug("Output read error: %v", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (e *Exec) failure(ctx context.Context, display, output string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		e.logger.Critical("Command %q interrupted: %v", display, ctxErr)
		return &types.SubprocessError{Command: display, ExitCode: -1, Output: output, Err: ctxErr}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		e.logger.Critical("Command %q failed with return code %d", display, code)
		return &types.SubprocessError{Command: display, ExitCode: code, Output: output, Err: err}
	}

	e.logger.Critical("Command %q failed: %v", display, err)
	return &types.SubprocessError{Command: display, ExitCode: -1, Output: output, Err: err}
}

// FormatCommand renders argv for logs with password values masked.
func FormatCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, arg := range args {
		parts = append(parts, maskArg(arg))
	}
	return strings.Join(parts, " ")
}

func maskArg(arg string) string {
	if key, _, ok := strings.Cut(arg, "="); ok && (key == "--password" || key == "-p") {
		return fmt.Sprintf("%s=***", key)
	}
	return arg
}
