package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func seedRequest(t *testing.T, s *Store, builds int) (*models.Request, []*models.Build) {
	t.Helper()
	ctx := context.Background()

	project := &models.Project{
		Name:      "app",
		RemoteURL: "https://example.com/app.git",
		Configs:   []models.BuildConfig{{Name: "linux", BuildScript: "build.py"}},
	}
	if existing, err := s.Projects().GetByName(ctx, "app"); err == nil {
		project = existing
	} else {
		require.NoError(t, s.Projects().Create(ctx, project))
	}

	req := &models.Request{ProjectID: project.ID, SourceBranch: "main"}
	require.NoError(t, s.Requests().Create(ctx, req))

	var out []*models.Build
	for i := 0; i < builds; i++ {
		b := models.NewBuild(req, project, project.Configs[0])
		require.NoError(t, s.Builds().Create(ctx, b))
		out = append(out, b)
	}
	return req, out
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	s := New()
	req, builds := seedRequest(t, s, 1)

	ok, err := s.Builds().Transition(ctx, builds[0].ID, models.StateSucceeded)
	require.NoError(t, err)
	assert.True(t, ok)

	for _, next := range []models.State{models.StateFailed, models.StateAborted, models.StateSucceeded} {
		ok, err := s.Builds().Transition(ctx, builds[0].ID, next)
		require.NoError(t, err)
		assert.False(t, ok, "build left SUCCEEDED for %s", next)
	}
	n, err := s.Builds().AbortOpen(ctx, req.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err = s.Requests().Transition(ctx, req.ID, models.StateAborted)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Requests().StartBuilding(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Requests().Transition(ctx, req.ID, models.StateSucceeded)
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := s.Requests().State(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAborted, state)
}

func TestTransitionRejectsNonTerminalBuildState(t *testing.T) {
	s := New()
	_, builds := seedRequest(t, s, 1)
	_, err := s.Builds().Transition(context.Background(), builds[0].ID, models.StateBuilding)
	assert.Error(t, err)
}

func TestClaimRace(t *testing.T) {
	const workers, rows = 8, 40
	ctx := context.Background()
	s := New()
	seedRequest(t, s, rows)

	var mu sync.Mutex
	claimedBy := make(map[int64]int64)

	var g errgroup.Group
	for w := int64(1); w <= workers; w++ {
		g.Go(func() error {
			for {
				b, err := s.Claim(ctx, w)
				if errors.Is(err, queue.ErrNoBuilds) {
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				if prev, dup := claimedBy[b.ID]; dup {
					mu.Unlock()
					t.Errorf("build %d claimed by %d and %d", b.ID, prev, w)
					return nil
				}
				claimedBy[b.ID] = w
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, claimedBy, rows)

	inProgress, err := s.Builds().ListInProgress(ctx)
	require.NoError(t, err)
	for _, b := range inProgress {
		require.NotNil(t, b.WorkerID)
		assert.Equal(t, claimedBy[b.ID], *b.WorkerID)
		assert.NotNil(t, b.StartedAt)
	}
	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestClaimOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, builds := seedRequest(t, s, 3)

	for _, want := range builds {
		got, err := s.Claim(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, models.StateBuilding, got.State)
	}
	_, err := s.Claim(ctx, 1)
	assert.ErrorIs(t, err, queue.ErrNoBuilds)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	req, _ := seedRequest(t, s, 0)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Store) error {
		project, err := tx.Projects().Get(ctx, req.ProjectID)
		require.NoError(t, err)
		for _, cfg := range project.Configs {
			require.NoError(t, tx.Builds().Create(ctx, models.NewBuild(req, project, cfg)))
		}
		return tx.WithTx(ctx, func(store.Store) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	builds, err := s.Builds().ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, builds)

	require.NoError(t, s.WithTx(ctx, func(tx store.Store) error {
		return tx.Builds().Create(ctx, &models.Build{RequestID: req.ID, ConfigName: "linux"})
	}))
	builds, err = s.Builds().ListByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestServers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.SetClock(func() time.Time { return now })

	offline, err := s.Servers().IsOffline(ctx, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, offline, "missing row is offline")
	assert.ErrorIs(t, s.Servers().Heartbeat(ctx, 3), store.ErrNotFound)

	require.NoError(t, s.Servers().Register(ctx, 3, models.ServerStatusIdle))
	offline, err = s.Servers().IsOffline(ctx, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, offline)

	s.SetHeartbeat(3, now.Add(-2*time.Minute))
	offline, err = s.Servers().IsOffline(ctx, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, offline)

	require.NoError(t, s.Servers().Heartbeat(ctx, 3))
	require.NoError(t, s.Servers().SetStatus(ctx, 3, models.ServerStatusOffline))
	offline, err = s.Servers().IsOffline(ctx, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, offline)
}

func TestPagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	var ids []int64
	for i := 0; i < 5; i++ {
		req, _ := seedRequest(t, s, 0)
		ids = append(ids, req.ID)
	}

	got, err := s.Requests().List(ctx, store.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[3], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)

	got, err = s.Requests().List(ctx, store.Page{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := s.Requests().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New()
	s.SetClock(func() time.Time { return now })
	build := int64(9)

	entries := []*models.LogEntry{
		{ServerID: 0, Severity: "INFO", Message: "old", CreatedAt: now.Add(-48 * time.Hour)},
		{ServerID: 1, BuildID: &build, Severity: "DEBUG", Message: "cloning"},
		{ServerID: 1, BuildID: &build, Severity: "ERROR", Message: "failed"},
	}
	for _, e := range entries {
		require.NoError(t, s.Logs().Create(ctx, e))
	}

	got, err := s.Logs().List(ctx, store.LogFilter{BuildID: &build, Severities: []string{"ERROR", "WARN"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "failed", got[0].Message)

	got, err = s.Logs().List(ctx, store.LogFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cloning", got[0].Message)

	n, err := s.Logs().DeleteBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSetFailure(t *testing.T) {
	ctx := context.Background()
	s := New()
	lost := errors.New("connection lost")
	s.SetFailure(lost)

	assert.ErrorIs(t, s.Ping(ctx), lost)
	_, err := s.Claim(ctx, 1)
	assert.ErrorIs(t, err, lost)
	assert.ErrorIs(t, s.Servers().Register(ctx, 1, models.ServerStatusIdle), lost)

	s.SetFailure(nil)
	assert.NoError(t, s.Ping(ctx))
}

func TestProjectsSaveReplacesConfigs(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := &models.Project{Name: "app", RemoteURL: "a", Configs: []models.BuildConfig{{Name: "x", BuildScript: "x.py"}}}
	require.NoError(t, s.Projects().Save(ctx, p))
	id := p.ID

	assert.ErrorIs(t, s.Projects().Create(ctx, &models.Project{Name: "app", RemoteURL: "b"}), store.ErrDuplicateName)

	p2 := &models.Project{Name: "app", RemoteURL: "b", Configs: []models.BuildConfig{{Name: "y", BuildScript: "y.py"}}}
	require.NoError(t, s.Projects().Save(ctx, p2))
	assert.Equal(t, id, p2.ID)

	got, err := s.Projects().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b", got.RemoteURL)
	require.Len(t, got.Configs, 1)
	assert.Equal(t, "y", got.Configs[0].Name)
}
