package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/ibex/internal/archive"
	"github.com/tis24dev/ibex/internal/checks"
	"github.com/tis24dev/ibex/internal/config"
	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/runner/runnertest"
	"github.com/tis24dev/ibex/internal/status"
	"github.com/tis24dev/ibex/internal/types"
)

// fakeSpace uses the real directory checks and answers space queries from a deny list.
type fakeSpace struct {
	*checks.Checker
	deny  map[string]bool
	calls []string
}

func (f *fakeSpace) HasSpace(_ context.Context, source, target string, multiplier float64) (bool, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s->%s x%g", source, target, multiplier))
	return !f.deny[target], nil
}

// fakeTool emulates innobackupex, cp, mv and tar on the filesystem.
type fakeTool struct {
	t      *testing.T
	lsn    uint64
	failOn func(call runnertest.Call) bool
}

func writeCheckpoints(t *testing.T, dir, backupType string, lsn uint64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := fmt.Sprintf("backup_type = %s\nfrom_lsn = 0\nto_lsn = %d\nlast_lsn = %d\n", backupType, lsn, lsn)
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpointsFile), []byte(content), 0o644))
}

func readLSN(t *testing.T, dir string) uint64 {
	t.Helper()
	cp, err := ReadCheckpoints(dir)
	require.NoError(t, err)
	lsn, err := cp.ToLSN()
	require.NoError(t, err)
	return lsn
}

func argValue(args []string, prefix string) (string, bool) {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimSuffix(strings.TrimPrefix(a, prefix), "/"), true
		}
	}
	return "", false
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func (f *fakeTool) handle(call runnertest.Call) (string, error) {
	if f.failOn != nil && f.failOn(call) {
		return "", &types.SubprocessError{Command: call.String(), ExitCode: 1}
	}
	args := call.Args
	switch call.Name {
	case "innobackupex":
		switch {
		case hasArg(args, "--incremental"):
			f.lsn += 100
			writeCheckpoints(f.t, args[4], "incremental", f.lsn)
		case hasArg(args, "--apply-log"):
			var dir string
			for _, a := range args {
				if !strings.HasPrefix(a, "--") {
					dir = strings.TrimSuffix(a, "/")
				}
			}
			lsn := readLSN(f.t, dir)
			if incDir, ok := argValue(args, "--incremental-dir="); ok {
				lsn = readLSN(f.t, incDir)
			}
			writeCheckpoints(f.t, dir, FullPrepared, lsn)
		default:
			f.lsn += 100
			writeCheckpoints(f.t, strings.TrimSuffix(args[len(args)-1], "/"), "full-backuped", f.lsn)
		}
	case "cp":
		return "", os.MkdirAll(filepath.Join(strings.TrimSuffix(args[2], "/"), filepath.Base(args[1])), 0o755)
	case "mv":
		return "", os.Rename(args[0], filepath.Join(strings.TrimSuffix(args[1], "/"), filepath.Base(args[0])))
	case "tar":
		return "", os.WriteFile(args[3], []byte("tarball"), 0o644)
	}
	return "", nil
}

type harness struct {
	cfg     *config.BackupConfig
	fake    *runnertest.Fake
	tool    *fakeTool
	space   *fakeSpace
	machine *Machine
	logs    *bytes.Buffer
}

func newHarness(t *testing.T, dryRun bool) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := &config.BackupConfig{
		Common: config.Common{
			LogDir: filepath.Join(root, "log"),
			PIDDir: root,
		},
		DBUser:           "backup",
		DBPass:           "secret",
		SocketPath:       "/run/mysqld.sock",
		DatabaseDir:      filepath.Join(root, "mysql"),
		BaseDir:          filepath.Join(root, "base"),
		SecondaryBaseDir: filepath.Join(root, "secondary"),
		OffsiteBaseDir:   filepath.Join(root, "offsite"),
		BackupTool:       "innobackupex",
		SpaceMultiplier:  1.5,
	}
	require.NoError(t, os.MkdirAll(cfg.LogDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.DatabaseDir, 0o755))

	logs := &bytes.Buffer{}
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(logs)

	tool := &fakeTool{t: t}
	fake := &runnertest.Fake{Handler: tool.handle, Dry: dryRun}
	space := &fakeSpace{Checker: checks.NewChecker(logger, dryRun), deny: map[string]bool{}}

	m := NewMachine(cfg, fake, space, status.NewStore(logger, dryRun), archive.NewBuilder(fake, logger, nil), logger)
	tick := time.Date(2024, 6, 1, 2, 0, 0, 0, time.Local)
	m.now = func() time.Time {
		tick = tick.Add(time.Hour)
		return tick
	}
	return &harness{cfg: cfg, fake: fake, tool: tool, space: space, machine: m, logs: logs}
}

func (h *harness) monitorLines(t *testing.T, file string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.cfg.LogDir, file))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func (h *harness) status(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "(absent)"
	}
	require.NoError(t, err)
	return string(data)
}

func (h *harness) run(t *testing.T, opts Options) *Result {
	t.Helper()
	res, err := h.machine.Run(context.Background(), opts)
	require.NoError(t, err)
	return res
}

func TestFullBackupEndToEnd(t *testing.T) {
	h := newHarness(t, false)
	assert.Equal(t, "(absent)", h.status(t, h.cfg.FullStatusFile()))

	res := h.run(t, Options{Type: types.BackupFull})

	target := filepath.Join(h.cfg.PreparedDir(), "2024-06-01_03-00-00")
	assert.Equal(t, target, res.Target)
	assert.Equal(t, types.SeverityOK, res.Severity)
	assert.Equal(t, "completed", h.status(t, h.cfg.FullStatusFile()))

	link, err := PointerTarget(h.cfg.LatestFull())
	require.NoError(t, err)
	assert.Equal(t, target, link)

	lines := h.monitorLines(t, "monitor-full-backup")
	require.Len(t, lines, 1)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}:OK:Full backup successful$`, lines[0])

	staged := filepath.Join(h.cfg.SecondaryBaseDir, "2024-06-01_03-00-00", config.CopyStatusFile)
	assert.Equal(t, "ready", h.status(t, staged))

	assert.Equal(t, []string{
		"innobackupex --user=backup --password=secret --socket=/run/mysqld.sock --no-timestamp " + target + "/",
		"cp -a " + target + " " + h.cfg.SecondaryBaseDir + "/",
		"innobackupex --apply-log --redo-only " + target + "/",
	}, h.fake.Commands())

	// First run sizes against the database directory.
	assert.Contains(t, h.space.calls[0], h.cfg.DatabaseDir+"->"+h.cfg.BaseDir+" x1.5")
	assert.DirExists(t, h.cfg.OffsiteBaseDir)
}

func TestFullBackupSecondRunSizesAgainstLatestFull(t *testing.T) {
	h := newHarness(t, false)
	h.run(t, Options{Type: types.BackupFull})
	h.space.calls = nil

	h.run(t, Options{Type: types.BackupFull})

	assert.Contains(t, h.space.calls[0], h.cfg.LatestFull()+"->")
	link, err := PointerTarget(h.cfg.LatestFull())
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01_04-00-00", filepath.Base(link))
}

func TestFullBackupWithoutSecondarySpace(t *testing.T) {
	h := newHarness(t, false)
	h.space.deny[h.cfg.SecondaryBaseDir] = true

	res := h.run(t, Options{Type: types.BackupFull})

	assert.True(t, res.Degraded())
	assert.Equal(t, types.SeverityWarning, res.Severity)
	for _, cmd := range h.fake.Commands() {
		assert.NotContains(t, cmd, "cp -a")
	}
	lines := h.monitorLines(t, "monitor-full-backup")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], ":WARNING:Not enough free space in secondary location!")
	assert.Contains(t, lines[1], ":WARNING:Full backup successful with warnings")
	assert.Equal(t, "completed", h.status(t, h.cfg.FullStatusFile()))
}

func TestPrimaryLowSpaceAbortsBeforeWork(t *testing.T) {
	h := newHarness(t, false)
	h.space.deny[h.cfg.BaseDir] = true

	_, err := h.machine.Run(context.Background(), Options{Type: types.BackupFull})

	var spaceErr *types.SpaceError
	require.True(t, errors.As(err, &spaceErr))
	assert.Empty(t, h.fake.Calls())
	assert.Equal(t, "(absent)", h.status(t, h.cfg.FullStatusFile()))
	lines := h.monitorLines(t, "monitor-full-backup")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], ":CRITICAL:Not enough free space!")
}

func TestFullBackupToolFailureMarksFailed(t *testing.T) {
	h := newHarness(t, false)
	h.tool.failOn = func(call runnertest.Call) bool {
		return call.Name == "innobackupex" && hasArg(call.Args, "--apply-log")
	}

	res, err := h.machine.Run(context.Background(), Options{Type: types.BackupFull})

	var subErr *types.SubprocessError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, types.SeverityCritical, res.Severity)
	assert.Equal(t, "failed", h.status(t, h.cfg.FullStatusFile()))
	assert.False(t, fileExists(h.cfg.LatestFull()))
	lines := h.monitorLines(t, "monitor-full-backup")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], ":CRITICAL:Full backup failed!")
}

func TestStaleStartedStatusBlocksRun(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, os.WriteFile(h.cfg.FullStatusFile(), []byte("started"), 0o644))

	_, err := h.machine.Run(context.Background(), Options{Type: types.BackupFull})

	var stateErr *types.StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Contains(t, err.Error(), "--clear-stale")
	assert.Empty(t, h.fake.Calls())
	assert.Equal(t, "started", h.status(t, h.cfg.FullStatusFile()))
}

func TestClearStaleResetsAndContinues(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, os.WriteFile(h.cfg.FullStatusFile(), []byte("started\n"), 0o644))

	res := h.run(t, Options{Type: types.BackupFull, ClearStale: true})

	assert.True(t, res.Degraded())
	assert.Equal(t, "completed", h.status(t, h.cfg.FullStatusFile()))
	lines := h.monitorLines(t, "monitor-full-backup")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], ":WARNING:Stale started status cleared")
}

func TestFirstIncRejectsUnpreparedFull(t *testing.T) {
	h := newHarness(t, false)
	full := filepath.Join(h.cfg.PreparedDir(), "2024-05-01_00-00-00")
	writeCheckpoints(t, full, "full-backuped", 100)
	require.NoError(t, os.Symlink(full, h.cfg.LatestFull()))

	_, err := h.machine.Run(context.Background(), Options{Type: types.BackupFirstInc})

	var stateErr *types.StateError
	require.True(t, errors.As(err, &stateErr))
	for _, call := range h.fake.Calls() {
		assert.False(t, hasArg(call.Args, "--incremental"), "incremental tool must not run")
	}
	assert.Equal(t, "(absent)", h.status(t, h.cfg.IncStatusFile()))
	lines := h.monitorLines(t, "monitor-inc-backup")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], ":CRITICAL:First Incremental backup failed!")
}

func TestIncRejectsLSNMismatch(t *testing.T) {
	h := newHarness(t, false)
	full := filepath.Join(h.cfg.PreparedDir(), "full")
	inc := filepath.Join(h.cfg.PreparedDir(), "inc")
	writeCheckpoints(t, full, FullPrepared, 300)
	writeCheckpoints(t, inc, "incremental", 200)
	require.NoError(t, os.Symlink(full, h.cfg.LatestFull()))
	require.NoError(t, os.Symlink(inc, h.cfg.LatestInc()))

	_, err := h.machine.Run(context.Background(), Options{Type: types.BackupInc})

	var stateErr *types.StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Contains(t, err.Error(), "300")
	assert.Empty(t, h.fake.Calls())
}

func TestIncrementalCycleWithOffsiteArchive(t *testing.T) {
	h := newHarness(t, false)

	full := h.run(t, Options{Type: types.BackupFull})
	first := h.run(t, Options{Type: types.BackupFirstInc})
	h.run(t, Options{Type: types.BackupInc})
	h.fake = &runnertest.Fake{Handler: h.tool.handle}
	h.machine.runner = h.fake
	h.machine.tarball = archive.NewBuilder(h.fake, h.machine.logger, nil)
	last := h.run(t, Options{Type: types.BackupLastInc})

	fullName := filepath.Base(full.Target)
	assert.Equal(t, filepath.Join(h.cfg.OffsiteBaseDir, fullName+".tar.bz2"), last.Archive)
	assert.FileExists(t, last.Archive)
	assert.Equal(t, types.SeverityOK, last.Severity)

	incLink, err := PointerTarget(h.cfg.LatestInc())
	require.NoError(t, err)
	assert.Equal(t, last.Target, incLink)
	assert.Equal(t, "completed", h.status(t, h.cfg.IncStatusFile()))

	cmds := h.fake.Commands()
	assert.Contains(t, cmds, "innobackupex --user=backup --password=secret --socket=/run/mysqld.sock --incremental "+
		last.Target+" --incremental-basedir="+h.cfg.LatestInc()+"/ --no-timestamp")
	assert.Contains(t, cmds, "innobackupex --apply-log "+h.cfg.LatestFull()+"/ --incremental-dir="+last.Target+"/")
	assert.Contains(t, cmds, "innobackupex --apply-log "+h.cfg.LatestFull()+"/")
	assert.Contains(t, cmds, "tar -C "+h.cfg.PreparedDir()+" -caf "+
		filepath.Join(h.cfg.PreparedDir(), fullName+".tar.bz2")+" "+fullName)

	lines := h.monitorLines(t, "monitor-inc-backup")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], ":OK:First Incremental backup successful")
	assert.Contains(t, lines[1], ":OK:Incremental backup successful")
	assert.Contains(t, lines[2], ":OK:Last Incremental backup successful")
	assert.NotEqual(t, first.Target, last.Target)
}

func TestLastIncWithoutOffsiteSpace(t *testing.T) {
	h := newHarness(t, false)
	h.run(t, Options{Type: types.BackupFull})
	h.run(t, Options{Type: types.BackupFirstInc})
	h.space.deny[h.cfg.OffsiteBaseDir] = true

	res := h.run(t, Options{Type: types.BackupLastInc})

	assert.Equal(t, types.SeverityWarning, res.Severity)
	assert.FileExists(t, res.Archive)
	assert.Equal(t, h.cfg.PreparedDir(), filepath.Dir(res.Archive))
	assert.Equal(t, "completed", h.status(t, h.cfg.IncStatusFile()))

	lines := h.monitorLines(t, "monitor-inc-backup")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], ":WARNING:Not enough free space in offsite location, archive not moved!")
	assert.Contains(t, lines[2], ":WARNING:Last Incremental backup successful with warnings")
	for _, line := range lines {
		assert.NotContains(t, line, "CRITICAL")
	}
}

func TestLastIncNoOffsiteKeepsArchive(t *testing.T) {
	h := newHarness(t, false)
	h.run(t, Options{Type: types.BackupFull})
	h.run(t, Options{Type: types.BackupFirstInc})

	res := h.run(t, Options{Type: types.BackupLastInc, NoOffsite: true})

	assert.Equal(t, types.SeverityOK, res.Severity)
	assert.Equal(t, h.cfg.PreparedDir(), filepath.Dir(res.Archive))
	for _, cmd := range h.fake.Commands() {
		assert.False(t, strings.HasPrefix(cmd, "mv "))
	}
}

func TestLastIncArchiveSpaceGateIsCritical(t *testing.T) {
	h := newHarness(t, false)
	h.run(t, Options{Type: types.BackupFull})
	h.run(t, Options{Type: types.BackupFirstInc})
	h.machine.checker = &gateAfter{fakeSpace: h.space, source: h.cfg.LatestFull(), target: h.cfg.BaseDir}

	_, err := h.machine.Run(context.Background(), Options{Type: types.BackupLastInc})

	var spaceErr *types.SpaceError
	require.True(t, errors.As(err, &spaceErr))
	assert.Equal(t, "failed", h.status(t, h.cfg.IncStatusFile()))
}

// gateAfter denies only the x1 archive gate on target.
type gateAfter struct {
	*fakeSpace
	source, target string
}

func (g *gateAfter) HasSpace(ctx context.Context, source, target string, multiplier float64) (bool, error) {
	if source == g.source && target == g.target && multiplier == 1 {
		return false, nil
	}
	return g.fakeSpace.HasSpace(ctx, source, target, multiplier)
}

func TestDryRunTouchesNothing(t *testing.T) {
	h := newHarness(t, true)

	res := h.run(t, Options{Type: types.BackupFull})

	assert.Equal(t, types.SeverityOK, res.Severity)
	assert.NotEmpty(t, h.fake.Calls())
	assert.NoDirExists(t, h.cfg.BaseDir)
	assert.Equal(t, "(absent)", h.status(t, h.cfg.FullStatusFile()))
	assert.Nil(t, h.monitorLines(t, "monitor-full-backup"))
	assert.Contains(t, h.logs.String(), "Would point")
}

func TestDryRunOnFreshHostWithRealSpaceChecks(t *testing.T) {
	h := newHarness(t, true)
	h.machine.checker = checks.NewChecker(h.machine.logger, true)

	res := h.run(t, Options{Type: types.BackupFull})

	assert.Equal(t, types.SeverityOK, res.Severity)
	assert.NoDirExists(t, h.cfg.BaseDir)
	assert.NoDirExists(t, h.cfg.SecondaryBaseDir)
	assert.Contains(t, h.logs.String(), "Would check free space on "+h.cfg.BaseDir)
	assert.NotEmpty(t, h.fake.Calls())
}

func TestRepointReplacesAtomically(t *testing.T) {
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(&bytes.Buffer{})
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.Mkdir(a, 0o755))
	require.NoError(t, os.Mkdir(b, 0o755))
	link := filepath.Join(dir, "latest_full")

	require.NoError(t, Repoint(link, a, logger, false))
	require.NoError(t, Repoint(link, b, logger, false))

	got, err := PointerTarget(link)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temporary link may be left behind")
}

func TestPointerTargetRelative(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "latest_inc")
	require.NoError(t, os.Symlink("prepared/2024-01-01_00-00-00", link))

	got, err := PointerTarget(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "prepared", "2024-01-01_00-00-00"), got)
}

func TestCheckpointsLSNParsing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, checkpointsFile),
		[]byte("backup_type = full-prepared\nfrom_lsn = 0\nto_lsn = 18446744073709551615\nlast_lsn = abc\n"), 0o644))

	cp, err := ReadCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, FullPrepared, cp.BackupType)

	lsn, err := cp.ToLSN()
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatUint(lsn, 10), "18446744073709551615")

	_, err = cp.LSN("last_lsn")
	var stateErr *types.StateError
	assert.True(t, errors.As(err, &stateErr))

	_, err = ReadCheckpoints(filepath.Join(dir, "absent"))
	assert.True(t, errors.As(err, &stateErr))
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
