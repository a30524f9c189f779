package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/eventlog"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	sched   *Scheduler
	project *models.Project
}

func newFixture(t *testing.T, configs ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	project := &models.Project{Name: "app", RemoteURL: "https://example.com/app.git"}
	for _, name := range configs {
		project.Configs = append(project.Configs, models.BuildConfig{Name: name, BuildScript: name + ".py"})
	}
	require.NoError(t, s.Projects().Create(ctx, project))

	log := eventlog.New(s.Logs(), slog.New(slog.DiscardHandler), models.SchedulerID, eventlog.Debug)
	sched := New(Config{ServerTimeout: time.Minute, BuildPollInterval: 5 * time.Millisecond}, s, log)
	t.Cleanup(func() { sched.cancelAll() })
	return &fixture{store: s, sched: sched, project: project}
}

func (f *fixture) submit(t *testing.T, integration bool, source, target string) *models.Request {
	t.Helper()
	req := &models.Request{ProjectID: f.project.ID, Integration: integration, SourceBranch: source, TargetBranch: target}
	require.NoError(t, f.store.Requests().Create(context.Background(), req))
	return req
}

func (f *fixture) requestState(t *testing.T, id int64) models.State {
	t.Helper()
	state, err := f.store.Requests().State(context.Background(), id)
	require.NoError(t, err)
	return state
}

func (f *fixture) builds(t *testing.T, requestID int64) []*models.Build {
	t.Helper()
	builds, err := f.store.Builds().ListByRequest(context.Background(), requestID)
	require.NoError(t, err)
	return builds
}

// waitBuilds waits until the request's task created its builds.
func (f *fixture) waitBuilds(t *testing.T, requestID int64, n int) []*models.Build {
	t.Helper()
	require.Eventually(t, func() bool {
		builds, err := f.store.Builds().ListByRequest(context.Background(), requestID)
		return err == nil && len(builds) == n
	}, 5*time.Second, 5*time.Millisecond)
	return f.builds(t, requestID)
}

func (f *fixture) waitState(t *testing.T, requestID int64, want models.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := f.store.Requests().State(context.Background(), requestID)
		return err == nil && state == want
	}, 5*time.Second, 5*time.Millisecond)
}

func (f *fixture) waitStatus(t *testing.T, want models.ServerStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		srv, err := f.store.Servers().Get(context.Background(), models.SchedulerID)
		return err == nil && srv.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func (f *fixture) complete(t *testing.T, builds []*models.Build, state models.State) {
	t.Helper()
	for _, b := range builds {
		ok, err := f.store.Builds().Transition(context.Background(), b.ID, state)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestFanOutAndSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "linux", "windows")
	require.NoError(t, f.sched.Connected(ctx))
	req := f.submit(t, false, "main", "")

	require.NoError(t, f.sched.Update(ctx))
	assert.Equal(t, models.StateBuilding, f.requestState(t, req.ID))
	builds := f.waitBuilds(t, req.ID, 2)
	assert.Equal(t, "linux", builds[0].ConfigName)
	assert.Equal(t, "windows", builds[1].ConfigName)
	for _, b := range builds {
		assert.Equal(t, "main", b.SourceBranch)
		assert.Equal(t, f.project.RemoteURL, b.RemoteURL)
	}

	srv, err := f.store.Servers().Get(ctx, models.SchedulerID)
	require.NoError(t, err)
	assert.Equal(t, models.ServerStatusBusy, srv.Status)

	f.complete(t, builds, models.StateSucceeded)
	f.waitState(t, req.ID, models.StateSucceeded)

	require.Eventually(t, func() bool { return len(f.sched.Dispatched()) == 0 }, time.Second, 5*time.Millisecond)
	f.waitStatus(t, models.ServerStatusIdle)
}

func TestAnyFailedBuildFailsRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "linux", "windows")
	require.NoError(t, f.sched.Connected(ctx))
	req := f.submit(t, false, "main", "")

	require.NoError(t, f.sched.Update(ctx))
	builds := f.waitBuilds(t, req.ID, 2)
	f.complete(t, builds[:1], models.StateSucceeded)
	f.complete(t, builds[1:], models.StateFailed)
	f.waitState(t, req.ID, models.StateFailed)
}

func TestIntegrationRequestsSerializePerTargetBranch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "linux")
	require.NoError(t, f.sched.Connected(ctx))

	first := f.submit(t, true, "feature/a", "main")
	second := f.submit(t, true, "feature/b", "main")
	other := f.submit(t, true, "feature/c", "release")

	require.NoError(t, f.sched.Update(ctx))
	assert.Equal(t, models.StateBuilding, f.requestState(t, first.ID))
	assert.Equal(t, models.StateRequested, f.requestState(t, second.ID), "same target branch waits")
	assert.Equal(t, models.StateBuilding, f.requestState(t, other.ID), "other target branch runs concurrently")

	builds := f.waitBuilds(t, first.ID, 1)
	require.NoError(t, f.sched.Update(ctx))
	assert.Equal(t, models.StateRequested, f.requestState(t, second.ID))

	f.complete(t, builds, models.StateSucceeded)
	f.waitState(t, first.ID, models.StateSucceeded)
	require.Eventually(t, func() bool {
		if f.sched.Update(ctx) != nil {
			return false
		}
		state, err := f.store.Requests().State(ctx, second.ID)
		return err == nil && state == models.StateBuilding
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBuildRequestsRunIndependently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "linux")
	require.NoError(t, f.sched.Connected(ctx))

	a := f.submit(t, false, "main", "")
	b := f.submit(t, false, "main", "")
	require.NoError(t, f.sched.Update(ctx))
	assert.Equal(t, models.StateBuilding, f.requestState(t, a.ID))
	assert.Equal(t, models.StateBuilding, f.requestState(t, b.ID))
	assert.Len(t, f.sched.Dispatched(), 2)
}

func TestOutputFileOnlyForBuildRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.project.Configs = []models.BuildConfig{{Name: "linux", BuildScript: "b.py", OutputFile: "out.tar"}}
	require.NoError(t, f.store.Projects().Save(ctx, f.project))
	require.NoError(t, f.sched.Connected(ctx))

	build := f.submit(t, false, "main", "")
	merge := f.submit(t, true, "feature", "main")
	require.NoError(t, f.sched.Update(ctx))

	assert.Equal(t, "out.tar", f.waitBuilds(t, build.ID, 1)[0].OutputFile)
	assert.Empty(t, f.waitBuilds(t, merge.ID, 1)[0].OutputFile)
}

func TestOrphansAreAbortedOnConnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "linux", "windows")
	req := f.submit(t, false, "main", "")

	ok, err := f.store.Requests().StartBuilding(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, ok)
	for _, cfg := range f.project.Configs {
		require.NoError(t, f.store.Builds().Create(ctx, models.NewBuild(req, f.project, cfg)))
	}
	_, err = f.store.Claim(ctx, 4)
	require.NoError(t, err)

	require.NoError(t, f.sched.Connected(ctx))
	assert.Equal(t, models.StateAborted, f.requestState(t, req.ID))
	for _, b := range f.builds(t, req.ID) {
		assert.Equal(t, models.StateAborted, b.State)
	}

	require.NoError(t, f.sched.Update(ctx))
	assert.Empty(t, f.sched.Dispatched(), "an orphan is never resumed")
}

func TestDeadWorkerBuildFails(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	f := newFixture(t, "linux")
	require.NoError(t, f.sched.Connected(ctx))
	req := f.submit(t, false, "main", "")

	require.NoError(t, f.sched.Update(ctx))
	f.waitBuilds(t, req.ID, 1)

	require.NoError(t, f.store.Servers().Register(ctx, 5, models.ServerStatusBusy))
	claimed, err := f.store.Claim(ctx, 5)
	require.NoError(t, err)

	require.NoError(t, f.sched.Update(ctx))
	state, err := f.store.Builds().State(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateBuilding, state, "live worker keeps its build")

	f.store.SetHeartbeat(5, now.Add(-2*time.Minute))
	require.NoError(t, f.sched.Update(ctx))
	state, err = f.store.Builds().State(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, state)
	f.waitState(t, req.ID, models.StateFailed)
}

func TestAbortedRequestCancelsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "linux", "windows")
	require.NoError(t, f.sched.Connected(ctx))
	req := f.submit(t, false, "main", "")

	require.NoError(t, f.sched.Update(ctx))
	f.waitBuilds(t, req.ID, 2)

	ok, err := f.store.Requests().Transition(ctx, req.ID, models.StateAborted)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.sched.Update(ctx))
	assert.Empty(t, f.sched.Dispatched())
	for _, b := range f.builds(t, req.ID) {
		assert.Equal(t, models.StateAborted, b.State)
	}
	assert.Equal(t, models.StateAborted, f.requestState(t, req.ID))
}

func TestAbortedBuildAbortsSiblingsAndRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "linux", "windows")
	require.NoError(t, f.sched.Connected(ctx))
	req := f.submit(t, false, "main", "")

	require.NoError(t, f.sched.Update(ctx))
	builds := f.waitBuilds(t, req.ID, 2)
	f.complete(t, builds[:1], models.StateAborted)

	f.waitState(t, req.ID, models.StateAborted)
	for _, b := range f.builds(t, req.ID) {
		assert.Equal(t, models.StateAborted, b.State)
	}
}

func TestShutdownAbortsInFlightAndGoesOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "linux")
	require.NoError(t, f.sched.Connected(ctx))
	req := f.submit(t, false, "main", "")

	require.NoError(t, f.sched.Update(ctx))
	f.waitBuilds(t, req.ID, 1)

	require.NoError(t, f.sched.Shutdown(ctx))
	assert.Equal(t, models.StateAborted, f.requestState(t, req.ID))
	srv, err := f.store.Servers().Get(ctx, models.SchedulerID)
	require.NoError(t, err)
	assert.Equal(t, models.ServerStatusOffline, srv.Status)
}

func TestLogRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := &models.LogEntry{ServerID: 2, Severity: "INFO", Message: "ancient", CreatedAt: time.Now().Add(-90 * 24 * time.Hour)}
	require.NoError(t, f.store.Logs().Create(ctx, old))

	require.NoError(t, f.sched.Connected(ctx))
	require.Eventually(t, func() bool {
		entries, err := f.store.Logs().List(ctx, f.logFilter())
		return err == nil && len(entries) == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func (f *fixture) logFilter() store.LogFilter {
	id := int64(2)
	return store.LogFilter{ServerID: &id}
}
