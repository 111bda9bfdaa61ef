package checks

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/types"
)

const lockAttempts = 3

// Lock is a PID file held with an exclusive advisory flock.
type Lock struct {
	path   string
	file   *os.File
	logger *logging.Logger
}

// AcquireLock takes the single-instance lock at path. It returns
// types.ErrLockHeld when another live process owns it.
func AcquireLock(path string, logger *logging.Logger) (*Lock, error) {
	for attempt := 0; attempt < lockAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				if pid := readLockPID(path); pid > 0 {
					logger.Info("Lock %s is held by pid %d", path, pid)
				} else {
					logger.Info("Lock %s is held by another process", path)
				}
				return nil, types.ErrLockHeld
			}
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}

		// The previous holder may have unlinked the file between our open and
		// flock; the lock only counts if it still guards the path.
		same, err := sameInode(f, path)
		if err != nil && !os.IsNotExist(err) {
			f.Close()
			return nil, fmt.Errorf("failed to verify lock file %s: %w", path, err)
		}
		if !same {
			f.Close()
			continue
		}

		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate lock file %s: %w", path, err)
		}
		if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
		}

		logger.Debug("Lock acquired: %s (pid %d)", path, os.Getpid())
		return &Lock{path: path, file: f, logger: logger}, nil
	}
	return nil, fmt.Errorf("lock file %s keeps being replaced", path)
}

// Release removes the PID file and drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	var errs []error
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove lock file: %w", err))
	}
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("failed to unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	l.logger.Debug("Lock released: %s", l.path)
	return nil
}

func sameInode(f *os.File, path string) (bool, error) {
	var fdStat, pathStat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &fdStat); err != nil {
		return false, err
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	return fdStat.Dev == pathStat.Dev && fdStat.Ino == pathStat.Ino, nil
}

func readLockPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
