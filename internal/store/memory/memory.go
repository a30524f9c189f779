// Package memory provides an in-process implementation of the store and
// queue interfaces. It keeps the same contracts as the PostgreSQL store and
// is used by tests and single-host runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	now  func() time.Time
	fail error

	nextID   int64
	projects map[int64]*models.Project
	requests map[int64]*models.Request
	builds   map[int64]*models.Build
	servers  map[int64]*models.Server
	logs     []*models.LogEntry
}

var (
	_ store.Store = (*Store)(nil)
	_ queue.Queue = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		projects: make(map[int64]*models.Project),
		requests: make(map[int64]*models.Request),
		builds:   make(map[int64]*models.Build),
		servers:  make(map[int64]*models.Server),
	}
}

// SetClock replaces the store's clock.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetFailure makes every subsequent operation return err until it is
// called again with nil. It simulates a lost database connection.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// SetHeartbeat overwrites the heartbeat of a server row.
func (s *Store) SetHeartbeat(id int64, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if srv, ok := s.servers[id]; ok {
		srv.Heartbeat = t
	}
}

// lock acquires the store mutex, or returns the injected failure.
func (s *Store) lock() error {
	s.mu.Lock()
	if s.fail != nil {
		err := s.fail
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) Projects() store.ProjectStore { return &projectStore{s} }
func (s *Store) Requests() store.RequestStore { return &requestStore{s} }
func (s *Store) Builds() store.BuildStore     { return &buildStore{s} }
func (s *Store) Servers() store.ServerStore   { return &serverStore{s} }
func (s *Store) Logs() store.LogStore         { return &logStore{s} }

// WithTx runs fn with transactions serialized against each other. When fn
// fails every change made since WithTx started is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := s.lock(); err != nil {
		return err
	}
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(txView{s}); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

// txView is the store handed to a WithTx callback. Nested WithTx calls
// join the enclosing transaction.
type txView struct {
	*Store
}

func (v txView) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(v)
}

// Ping returns the injected failure, if any.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }

type snapshot struct {
	nextID   int64
	projects map[int64]*models.Project
	requests map[int64]*models.Request
	builds   map[int64]*models.Build
	servers  map[int64]*models.Server
	logs     []*models.LogEntry
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		nextID:   s.nextID,
		projects: make(map[int64]*models.Project, len(s.projects)),
		requests: make(map[int64]*models.Request, len(s.requests)),
		builds:   make(map[int64]*models.Build, len(s.builds)),
		servers:  make(map[int64]*models.Server, len(s.servers)),
		logs:     append([]*models.LogEntry(nil), s.logs...),
	}
	for id, p := range s.projects {
		snap.projects[id] = copyProject(p)
	}
	for id, r := range s.requests {
		c := *r
		snap.requests[id] = &c
	}
	for id, b := range s.builds {
		snap.builds[id] = copyBuild(b)
	}
	for id, srv := range s.servers {
		c := *srv
		snap.servers[id] = &c
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.nextID = snap.nextID
	s.projects = snap.projects
	s.requests = snap.requests
	s.builds = snap.builds
	s.servers = snap.servers
	s.logs = snap.logs
}

// Claim takes the lowest-id REQUESTED build and stamps it BUILDING.
func (s *Store) Claim(ctx context.Context, workerID int64) (*models.Build, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var next *models.Build
	for _, b := range s.builds {
		if b.State == models.StateRequested && (next == nil || b.ID < next.ID) {
			next = b
		}
	}
	if next == nil {
		return nil, queue.ErrNoBuilds
	}
	now := s.now()
	next.State = models.StateBuilding
	next.WorkerID = &workerID
	next.StartedAt = &now
	return copyBuild(next), nil
}

// Pending returns the number of REQUESTED builds.
func (s *Store) Pending(ctx context.Context) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.builds {
		if b.State == models.StateRequested {
			n++
		}
	}
	return n, nil
}

func copyProject(p *models.Project) *models.Project {
	c := *p
	c.Configs = append([]models.BuildConfig(nil), p.Configs...)
	return &c
}

func copyBuild(b *models.Build) *models.Build {
	c := *b
	if b.WorkerID != nil {
		id := *b.WorkerID
		c.WorkerID = &id
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		c.StartedAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// page applies a newest-first window to ids sorted ascending.
func page(ids []int64, p store.Page) []int64 {
	out := make([]int64, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, ids[i])
	}
	if p.Offset >= len(out) {
		return nil
	}
	out = out[p.Offset:]
	if p.Limit > 0 && p.Limit < len(out) {
		out = out[:p.Limit]
	}
	return out
}
