// Package status persists the single-line status markers and the append-only
// monitor records that independent ibex processes use to coordinate.
package status

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/types"
)

var (
	osOpen      = os.Open
	osWriteFile = os.WriteFile
)

// Store reads and writes status marker files.
type Store struct {
	logger *logging.Logger
	dryRun bool
}

// NewStore creates a status store. In dry-run mode writes are only logged.
func NewStore(logger *logging.Logger, dryRun bool) *Store {
	return &Store{logger: logger, dryRun: dryRun}
}

// Read returns the first line of path, trimmed. ok is false when the file
// cannot be opened or read.
func (s *Store) Read(path string) (string, bool) {
	f, err := osOpen(path)
	if err != nil {
		s.logger.Warning("Unable to read status file %s: %v", path, err)
		return "", false
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		s.logger.Warning("Unable to read status file %s: %v", path, err)
		return "", false
	}
	return strings.TrimSpace(line), true
}

// ReadStatus is Read converted to a typed Status.
func (s *Store) ReadStatus(path string) (types.Status, bool) {
	value, ok := s.Read(path)
	return types.Status(value), ok
}

// Write replaces the content of path with value.
func (s *Store) Write(path, value string) error {
	if s.dryRun {
		s.logger.Info("Would set status %q in %s", value, path)
		return nil
	}
	if err := osWriteFile(path, []byte(value), 0o644); err != nil {
		s.logger.Critical("Unable to write status file %s: %v", path, err)
		return &types.StatusWriteError{Path: path, Err: err}
	}
	s.logger.Debug("Status %q written to %s", value, path)
	return nil
}

// Set writes a typed Status.
func (s *Store) Set(path string, st types.Status) error {
	return s.Write(path, st.String())
}
