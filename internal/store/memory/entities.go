package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

type projectStore struct{ s *Store }

func (p *projectStore) Create(ctx context.Context, project *models.Project) error {
	s := p.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.Name == project.Name {
			return store.ErrDuplicateName
		}
	}
	project.ID = s.id()
	s.projects[project.ID] = copyProject(project)
	return nil
}

func (p *projectStore) Save(ctx context.Context, project *models.Project) error {
	s := p.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.Name == project.Name {
			project.ID = existing.ID
			s.projects[project.ID] = copyProject(project)
			return nil
		}
	}
	project.ID = s.id()
	s.projects[project.ID] = copyProject(project)
	return nil
}

func (p *projectStore) Get(ctx context.Context, id int64) (*models.Project, error) {
	s := p.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	project, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyProject(project), nil
}

func (p *projectStore) GetByName(ctx context.Context, name string) (*models.Project, error) {
	s := p.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	for _, project := range s.projects {
		if project.Name == name {
			return copyProject(project), nil
		}
	}
	return nil, store.ErrNotFound
}

func (p *projectStore) List(ctx context.Context) ([]*models.Project, error) {
	s := p.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var projects []*models.Project
	for _, project := range s.projects {
		projects = append(projects, copyProject(project))
	}
	slices.SortFunc(projects, func(a, b *models.Project) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return projects, nil
}

type requestStore struct{ s *Store }

func (r *requestStore) Create(ctx context.Context, req *models.Request) error {
	s := r.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, ok := s.projects[req.ProjectID]; !ok {
		return fmt.Errorf("inserting request: project %d: %w", req.ProjectID, store.ErrNotFound)
	}
	now := s.now()
	req.ID = s.id()
	req.State = models.StateRequested
	req.CreatedAt = now
	req.UpdatedAt = now
	c := *req
	s.requests[req.ID] = &c
	return nil
}

func (r *requestStore) Get(ctx context.Context, id int64) (*models.Request, error) {
	s := r.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *req
	return &c, nil
}

func (r *requestStore) State(ctx context.Context, id int64) (models.State, error) {
	req, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return req.State, nil
}

func (r *requestStore) Transition(ctx context.Context, id int64, next models.State) (bool, error) {
	if !next.Valid() || next == models.StateRequested {
		return false, fmt.Errorf("invalid request transition to %q", next)
	}
	return r.transition(id, next, models.OpenStates)
}

func (r *requestStore) StartBuilding(ctx context.Context, id int64) (bool, error) {
	return r.transition(id, models.StateBuilding, []models.State{models.StateRequested})
}

func (r *requestStore) transition(id int64, next models.State, from []models.State) (bool, error) {
	s := r.s
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok || !slices.Contains(from, req.State) {
		return false, nil
	}
	req.State = next
	req.UpdatedAt = s.now()
	return true, nil
}

func (r *requestStore) ListByState(ctx context.Context, state models.State) ([]*models.Request, error) {
	s := r.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.Request
	for _, id := range sortedKeys(s.requests) {
		if req := s.requests[id]; req.State == state {
			c := *req
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *requestStore) List(ctx context.Context, p store.Page) ([]*models.Request, error) {
	s := r.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.Request
	for _, id := range page(sortedKeys(s.requests), p) {
		c := *s.requests[id]
		out = append(out, &c)
	}
	return out, nil
}

func (r *requestStore) Count(ctx context.Context) (int, error) {
	s := r.s
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.requests), nil
}

type buildStore struct{ s *Store }

func (b *buildStore) Create(ctx context.Context, build *models.Build) error {
	s := b.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, ok := s.requests[build.RequestID]; !ok {
		return fmt.Errorf("inserting build: request %d: %w", build.RequestID, store.ErrNotFound)
	}
	if build.State == "" {
		build.State = models.StateRequested
	}
	build.ID = s.id()
	build.CreatedAt = s.now()
	s.builds[build.ID] = copyBuild(build)
	return nil
}

func (b *buildStore) Get(ctx context.Context, id int64) (*models.Build, error) {
	s := b.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	build, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyBuild(build), nil
}

func (b *buildStore) State(ctx context.Context, id int64) (models.State, error) {
	build, err := b.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return build.State, nil
}

func (b *buildStore) Transition(ctx context.Context, id int64, next models.State) (bool, error) {
	if !next.IsTerminal() {
		return false, fmt.Errorf("invalid build transition to %q", next)
	}
	s := b.s
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	build, ok := s.builds[id]
	if !ok || !build.IsOpen() {
		return false, nil
	}
	s.finish(build, next)
	return true, nil
}

func (s *Store) finish(build *models.Build, state models.State) {
	now := s.now()
	build.State = state
	build.FinishedAt = &now
}

func (b *buildStore) AbortOpen(ctx context.Context, requestID int64) (int, error) {
	s := b.s
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	n := 0
	for _, build := range s.builds {
		if build.RequestID == requestID && build.IsOpen() {
			s.finish(build, models.StateAborted)
			n++
		}
	}
	return n, nil
}

func (b *buildStore) filter(keep func(*models.Build) bool) ([]*models.Build, error) {
	s := b.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.Build
	for _, id := range sortedKeys(s.builds) {
		if build := s.builds[id]; keep(build) {
			out = append(out, copyBuild(build))
		}
	}
	return out, nil
}

func (b *buildStore) ListInProgress(ctx context.Context) ([]*models.Build, error) {
	return b.filter(func(build *models.Build) bool { return build.State == models.StateBuilding })
}

func (b *buildStore) ListByRequest(ctx context.Context, requestID int64) ([]*models.Build, error) {
	return b.filter(func(build *models.Build) bool { return build.RequestID == requestID })
}

func (b *buildStore) ListByIDs(ctx context.Context, ids []int64) ([]*models.Build, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return b.filter(func(build *models.Build) bool { return slices.Contains(ids, build.ID) })
}

func (b *buildStore) List(ctx context.Context, p store.Page) ([]*models.Build, error) {
	s := b.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.Build
	for _, id := range page(sortedKeys(s.builds), p) {
		out = append(out, copyBuild(s.builds[id]))
	}
	return out, nil
}

func (b *buildStore) Count(ctx context.Context) (int, error) {
	s := b.s
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.builds), nil
}

type serverStore struct{ s *Store }

func (v *serverStore) Register(ctx context.Context, id int64, status models.ServerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid server status %q", status)
	}
	s := v.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.servers[id] = &models.Server{ID: id, Status: status, Heartbeat: s.now()}
	return nil
}

func (v *serverStore) Heartbeat(ctx context.Context, id int64) error {
	s := v.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return store.ErrNotFound
	}
	srv.Heartbeat = s.now()
	return nil
}

func (v *serverStore) SetStatus(ctx context.Context, id int64, status models.ServerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid server status %q", status)
	}
	s := v.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return store.ErrNotFound
	}
	srv.Status = status
	return nil
}

func (v *serverStore) Get(ctx context.Context, id int64) (*models.Server, error) {
	s := v.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *srv
	return &c, nil
}

func (v *serverStore) IsOffline(ctx context.Context, id int64, timeout time.Duration) (bool, error) {
	s := v.s
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return true, nil
	}
	return srv.IsOffline(s.now(), timeout), nil
}

func (v *serverStore) List(ctx context.Context) ([]*models.Server, error) {
	s := v.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.Server
	for _, id := range sortedKeys(s.servers) {
		c := *s.servers[id]
		out = append(out, &c)
	}
	return out, nil
}

type logStore struct{ s *Store }

func (l *logStore) Create(ctx context.Context, entry *models.LogEntry) error {
	s := l.s
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	entry.ID = s.id()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	c := *entry
	s.logs = append(s.logs, &c)
	return nil
}

func (l *logStore) List(ctx context.Context, filter store.LogFilter) ([]*models.LogEntry, error) {
	s := l.s
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.LogEntry
	for _, e := range s.logs {
		if filter.ServerID != nil && e.ServerID != *filter.ServerID {
			continue
		}
		if filter.BuildID != nil && (e.BuildID == nil || *e.BuildID != *filter.BuildID) {
			continue
		}
		if len(filter.Severities) > 0 && !slices.Contains(filter.Severities, e.Severity) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (l *logStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	s := l.s
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var n int64
	for _, e := range s.logs {
		if e.CreatedAt.Before(t) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.logs = kept
	return n, nil
}
