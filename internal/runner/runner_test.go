package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/ibex/internal/logging"
	"github.com/tis24dev/ibex/internal/types"
)

func newTestRunner(dryRun bool) (*Exec, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(&buf)
	return New(logger, dryRun), &buf
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunRoutesStreams(t *testing.T) {
	requireShell(t)
	r, buf := newTestRunner(false)

	err := r.Run(context.Background(), "sh", "-c", "echo to-stdout; echo to-stderr >&2")
	require.NoError(t, err)

	out := buf.String()
	assert.Regexp(t, `DEBUG\s+to-stdout`, out)
	assert.Regexp(t, `WARNING\s+to-stderr`, out)
}

func TestRunDrainsLargeOutputOnBothPipes(t *testing.T) {
	requireShell(t)
	r, _ := newTestRunner(false)

	script := `i=0; while [ $i -lt 5000 ]; do echo "out line $i"; echo "err line $i" >&2; i=$((i+1)); done`
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), "sh", "-c", script) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("runner deadlocked on full pipes")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	requireShell(t)
	r, buf := newTestRunner(false)

	err := r.Run(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	var subErr *types.SubprocessError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, 3, subErr.ExitCode)
	assert.Equal(t, "broken", subErr.Output)
	assert.Contains(t, buf.String(), "failed with return code 3")
}

func TestRunMissingBinary(t *testing.T) {
	r, _ := newTestRunner(false)

	err := r.Run(context.Background(), "/nonexistent/ibex-tool")
	var subErr *types.SubprocessError
	require.True(t, errors.As(err, &subErr))
	assert.Equal(t, -1, subErr.ExitCode)
}

func TestCaptureMergesAndTrims(t *testing.T) {
	requireShell(t)
	r, _ := newTestRunner(false)

	out, err := r.Capture(context.Background(), "sh", "-c", "echo one; echo two >&2; echo")
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", out)
}

func TestDryRunNeverSpawns(t *testing.T) {
	r, buf := newTestRunner(true)
	r.command = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		t.Fatalf("command %s spawned in dry-run", name)
		return nil
	}

	require.NoError(t, r.Run(context.Background(), "innobackupex", "--apply-log", "/x/"))
	out, err := r.Capture(context.Background(), "rm", "-rf", "/")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, r.DryRun())
	assert.Contains(t, buf.String(), `Would run command: "innobackupex --apply-log /x/"`)
}

func TestContextCancellationKillsChild(t *testing.T) {
	requireShell(t)
	r, _ := newTestRunner(false)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := r.Run(ctx, "sh", "-c", "exec sleep 30")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextCancellationKillsProcessGroup(t *testing.T) {
	requireShell(t)
	r, _ := newTestRunner(false)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// The background sleep inherits the output pipes.
	start := time.Now()
	err := r.Run(ctx, "sh", "-c", "sleep 30 & wait")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	start = time.Now()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()
	_, err = r.Capture(ctx2, "sh", "-c", "sleep 30 & wait")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestFormatCommandMasksPassword(t *testing.T) {
	got := FormatCommand("innobackupex", "--user=backup", "--password=hunter2", "--no-timestamp", "/srv/x/")
	assert.Equal(t, "innobackupex --user=backup --password=*** --no-timestamp /srv/x/", got)
}
