package scheduler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/artifacts"
	"github.com/narvanalabs/buildfarm/internal/eventlog"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/runner"
	"github.com/narvanalabs/buildfarm/internal/source"
	"github.com/narvanalabs/buildfarm/internal/worker"
)

type scriptFunc func(ctx context.Context, c runner.Command) (string, error)

func (f scriptFunc) Run(ctx context.Context, c runner.Command) (string, error) { return f(ctx, c) }

type noopPreparer struct{}

func (noopPreparer) Prepare(ctx context.Context, url, ref string) ([]source.Module, error) {
	return []source.Module{{GitDir: ".", WorkTree: ".", URL: url, Ref: ref}}, ctx.Err()
}

// farm is a scheduler and two workers sharing one in-memory store.
type farm struct {
	*fixture
	workers []*worker.Worker
}

func newFarm(t *testing.T, script scriptFunc) *farm {
	t.Helper()
	f := &farm{fixture: newFixture(t, "linux", "windows")}
	ctx := context.Background()
	require.NoError(t, f.sched.Connected(ctx))

	for id := int64(1); id <= 2; id++ {
		log := eventlog.New(f.store.Logs(), slog.New(slog.DiscardHandler), id, eventlog.Debug)
		w, err := worker.New(worker.Config{ID: id, WorkDir: t.TempDir()}, f.store, f.store, script, artifacts.New(t.TempDir()), log)
		require.NoError(t, err)
		w.SetPreparerFactory(func(string, string, runner.Runner, *eventlog.Logger) worker.Preparer { return noopPreparer{} })
		require.NoError(t, w.Connected(ctx))
		t.Cleanup(func() { _ = w.Shutdown(context.Background()) })
		f.workers = append(f.workers, w)
	}
	return f
}

// tick runs one polling round of every process.
func (f *farm) tick() error {
	ctx := context.Background()
	if err := f.sched.Update(ctx); err != nil {
		return err
	}
	for _, w := range f.workers {
		if err := w.Update(ctx); err != nil {
			return err
		}
	}
	return nil
}

// runUntil ticks every process until cond holds.
func (f *farm) runUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.tick() == nil && cond()
	}, 10*time.Second, 5*time.Millisecond)
}

func (f *farm) allBuilding(requestID int64) bool {
	builds, err := f.store.Builds().ListByRequest(context.Background(), requestID)
	if err != nil || len(builds) != 2 {
		return false
	}
	for _, b := range builds {
		if b.State != models.StateBuilding {
			return false
		}
	}
	return true
}

func (f *farm) requestIs(requestID int64, want models.State) bool {
	state, err := f.store.Requests().State(context.Background(), requestID)
	return err == nil && state == want
}

func TestEndToEndSuccess(t *testing.T) {
	release := make(chan struct{})
	f := newFarm(t, func(ctx context.Context, c runner.Command) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		_, err := io.WriteString(c.Output, "ok\n")
		return "", err
	})
	req := f.submit(t, false, "main", "")

	f.runUntil(t, func() bool { return f.allBuilding(req.ID) })

	builds := f.builds(t, req.ID)
	require.Len(t, builds, 2)
	require.NotNil(t, builds[0].WorkerID)
	require.NotNil(t, builds[1].WorkerID)
	assert.NotEqual(t, *builds[0].WorkerID, *builds[1].WorkerID, "each worker holds one build")

	close(release)
	f.runUntil(t, func() bool { return f.requestIs(req.ID, models.StateSucceeded) })
	for _, b := range f.builds(t, req.ID) {
		assert.Equal(t, models.StateSucceeded, b.State)
	}
}

func TestEndToEndFailure(t *testing.T) {
	f := newFarm(t, func(ctx context.Context, c runner.Command) (string, error) {
		if strings.HasSuffix(c.Args[len(c.Args)-1], "windows.py") {
			return "", &runner.ProcessError{Args: c.Args, Code: 1}
		}
		return "", nil
	})
	req := f.submit(t, false, "main", "")

	f.runUntil(t, func() bool { return f.requestIs(req.ID, models.StateFailed) })
	states := map[string]models.State{}
	for _, b := range f.builds(t, req.ID) {
		states[b.ConfigName] = b.State
	}
	assert.Equal(t, map[string]models.State{"linux": models.StateSucceeded, "windows": models.StateFailed}, states)
}

func TestEndToEndSiblingAbort(t *testing.T) {
	f := newFarm(t, func(ctx context.Context, c runner.Command) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	req := f.submit(t, false, "main", "")

	f.runUntil(t, func() bool { return f.allBuilding(req.ID) })

	builds := f.builds(t, req.ID)
	ok, err := f.store.Builds().Transition(context.Background(), builds[0].ID, models.StateAborted)
	require.NoError(t, err)
	require.True(t, ok)

	f.runUntil(t, func() bool {
		for _, w := range f.workers {
			if w.Current() != nil {
				return false
			}
		}
		return f.requestIs(req.ID, models.StateAborted)
	})
	for _, b := range f.builds(t, req.ID) {
		assert.Equal(t, models.StateAborted, b.State)
	}
	for id := int64(1); id <= 2; id++ {
		srv, err := f.store.Servers().Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.ServerStatusIdle, srv.Status)
	}
}
