package backup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tis24dev/ibex/internal/types"
	"github.com/tis24dev/ibex/pkg/utils"
)

const (
	checkpointsFile = "xtrabackup_checkpoints"

	// FullPrepared is the backup_type of a full backup prepared with --redo-only.
	FullPrepared = "full-prepared"
)

// Checkpoints is the content of a backup's xtrabackup_checkpoints file.
type Checkpoints struct {
	BackupType string
	raw        map[string]string
}

// ReadCheckpoints parses <dir>/xtrabackup_checkpoints. dir may be a symlink.
func ReadCheckpoints(dir string) (*Checkpoints, error) {
	path := filepath.Join(dir, checkpointsFile)
	f, err := os.Open(path)
	if err != nil {
		return nil, types.NewStateError("cannot read checkpoints of %s: %v", dir, err)
	}
	defer f.Close()

	cp := &Checkpoints{raw: make(map[string]string)}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if utils.IsComment(scanner.Text()) {
			continue
		}
		key, value, ok := utils.SplitKeyValue(scanner.Text())
		if !ok {
			continue
		}
		cp.raw[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, types.NewStateError("cannot read checkpoints of %s: %v", dir, err)
	}

	cp.BackupType = cp.raw["backup_type"]
	return cp, nil
}

// LSN returns a log sequence number key (from_lsn, to_lsn, last_lsn) as an integer.
func (c *Checkpoints) LSN(key string) (uint64, error) {
	raw, ok := c.raw[key]
	if !ok {
		return 0, types.NewStateError("checkpoint %s is missing", key)
	}
	lsn, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, types.NewStateError("checkpoint %s = %q is not a valid LSN", key, raw)
	}
	return lsn, nil
}

// ToLSN is shorthand for LSN("to_lsn").
func (c *Checkpoints) ToLSN() (uint64, error) {
	return c.LSN("to_lsn")
}

func (c *Checkpoints) String() string {
	return fmt.Sprintf("backup_type=%s to_lsn=%s", c.BackupType, c.raw["to_lsn"])
}
