package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/eventlog"
	"github.com/narvanalabs/buildfarm/internal/models"
)

type lineSink struct {
	lines []string
}

func (s *lineSink) Create(_ context.Context, e *models.LogEntry) error {
	if e.Severity == "TRACE" {
		s.lines = append(s.lines, e.Message)
	}
	return nil
}

func newExec(t *testing.T, grace time.Duration) (*Exec, *lineSink) {
	t.Helper()
	sink := &lineSink{}
	return New(eventlog.New(sink, nil, 1, eventlog.Trace), grace), sink
}

func TestRunCapturesMergedOutput(t *testing.T) {
	e, sink := newExec(t, 0)

	out, err := e.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo out; echo err 1>&2"}})
	require.NoError(t, err)
	assert.Contains(t, out, "out\n")
	assert.Contains(t, out, "err\n")
	assert.ElementsMatch(t, []string{"out", "err"}, sink.lines)
}

func TestRunNonZeroExit(t *testing.T) {
	e, _ := newExec(t, 0)

	out, err := e.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo failing; exit 3"}})
	require.Error(t, err)

	perr, ok := AsProcessError(err)
	require.True(t, ok, "expected ProcessError, got %T", err)
	assert.Equal(t, 3, perr.Code)
	assert.Equal(t, "failing\n", perr.Output)
	assert.Equal(t, out, perr.Output)
	assert.Contains(t, perr.Error(), "exit code 3")
}

func TestRunOutputSink(t *testing.T) {
	e, sink := newExec(t, 0)
	path := filepath.Join(t.TempDir(), "build.log")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	out, err := e.Run(context.Background(), Command{
		Args:   []string{"sh", "-c", "echo to-file; echo also 1>&2"},
		Output: f,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, sink.lines, "output lines must not be traced when a sink is given")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "to-file\nalso\n", string(data))
}

func TestRunDirAndEnv(t *testing.T) {
	e, _ := newExec(t, 0)
	dir := t.TempDir()

	out, err := e.Run(context.Background(), Command{
		Args: []string{"sh", "-c", "pwd; echo $FARM_VALUE"},
		Dir:  dir,
		Env:  []string{"FARM_VALUE=bar"},
	})
	require.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, resolved, lines[0])
	assert.Equal(t, "bar", lines[1])
}

func TestRunMissingBinary(t *testing.T) {
	e, _ := newExec(t, 0)

	_, err := e.Run(context.Background(), Command{Args: []string{"definitely-not-a-farm-binary"}})
	require.Error(t, err)
	assert.False(t, IsProcessError(err))
}

func TestRunCancelTerminates(t *testing.T) {
	e, _ := newExec(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := e.Run(ctx, Command{Args: []string{"sh", "-c", "sleep 30"}})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, IsProcessError(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelEscalatesToKill(t *testing.T) {
	e, _ := newExec(t, 200*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := e.Run(ctx, Command{Args: []string{"sh", "-c", `trap "" TERM; sleep 30`}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelKillsGrandchildren(t *testing.T) {
	e, _ := newExec(t, 200*time.Millisecond)
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := e.Run(ctx, Command{Args: []string{"sh", "-c", "sleep 30 & echo $! > " + pidFile + "; wait"}})
	assert.ErrorIs(t, err, context.Canceled)

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid := strings.TrimSpace(string(data))
	assert.Eventually(t, func() bool {
		_, statErr := os.Stat("/proc/" + pid)
		return os.IsNotExist(statErr) || processIsZombie(pid)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunAlreadyCanceled(t *testing.T) {
	e, _ := newExec(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Run(ctx, Command{Args: []string{"true"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func processIsZombie(pid string) bool {
	data, err := os.ReadFile("/proc/" + pid + "/stat")
	if err != nil {
		return true
	}
	fields := strings.Fields(string(data))
	return len(fields) > 2 && fields[2] == "Z"
}
