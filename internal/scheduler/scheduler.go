// Package scheduler fans requests out into builds, watches them to
// completion and keeps the request table consistent across restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/eventlog"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/internal/task"
)

// storeTimeout bounds the best-effort writes of a completion handler.
const storeTimeout = 10 * time.Second

// errBuildAborted ends a request task when one of its builds was aborted.
var errBuildAborted = errors.New("build aborted")

// Config holds scheduler configuration.
type Config struct {
	// ServerTimeout is the heartbeat age after which a worker counts as offline.
	ServerTimeout time.Duration
	// BuildPollInterval is the wait between checks of a request's builds.
	BuildPollInterval time.Duration
	// LogRetention is the age after which persisted log entries are deleted.
	LogRetention time.Duration
	// LogRetentionInterval is the wait between retention sweeps.
	LogRetentionInterval time.Duration
}

// DefaultConfig returns a Config with the standard intervals.
func DefaultConfig() Config {
	return Config{
		ServerTimeout:        30 * time.Second,
		BuildPollInterval:    2 * time.Second,
		LogRetention:         30 * 24 * time.Hour,
		LogRetentionInterval: 24 * time.Hour,
	}
}

// dispatch is one request in flight.
type dispatch struct {
	request *models.Request
	task    *task.Task[*models.Request, bool]
}

// Scheduler dispatches requests, one task per dispatch key.
type Scheduler struct {
	cfg   Config
	store store.Store
	log   *eventlog.Logger

	retention *task.Task[time.Duration, struct{}]

	mu         sync.Mutex
	dispatched map[models.DispatchKey]*dispatch
}

// New creates a scheduler.
func New(cfg Config, s store.Store, log *eventlog.Logger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.ServerTimeout <= 0 {
		cfg.ServerTimeout = defaults.ServerTimeout
	}
	if cfg.BuildPollInterval <= 0 {
		cfg.BuildPollInterval = defaults.BuildPollInterval
	}
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = defaults.LogRetention
	}
	if cfg.LogRetentionInterval <= 0 {
		cfg.LogRetentionInterval = defaults.LogRetentionInterval
	}
	if log == nil {
		log = eventlog.New(s.Logs(), nil, models.SchedulerID, eventlog.Info)
	}

	sch := &Scheduler{
		cfg:        cfg,
		store:      s,
		log:        log,
		dispatched: make(map[models.DispatchKey]*dispatch),
	}
	sch.retention = task.New(context.Background(), sch.sweepLogs, nil)
	return sch
}

// Name identifies the scheduler in process logs.
func (s *Scheduler) Name() string {
	return "scheduler"
}

// Dispatched returns the ids of the requests in flight.
func (s *Scheduler) Dispatched() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.dispatched))
	for _, d := range s.dispatched {
		ids = append(ids, d.request.ID)
	}
	return ids
}

// Connected registers the scheduler, aborts requests orphaned by a previous
// incarnation and starts log retention.
func (s *Scheduler) Connected(ctx context.Context) error {
	if err := s.store.Servers().Register(ctx, models.SchedulerID, models.ServerStatusIdle); err != nil {
		return fmt.Errorf("registering scheduler: %w", err)
	}
	if err := s.reapOrphans(ctx); err != nil {
		return err
	}
	s.retention.Start(s.cfg.LogRetention)
	s.log.Info("scheduler connected")
	return nil
}

// reapOrphans aborts every BUILDING request and its open builds. No task
// of this process tracks them, so they can never complete.
func (s *Scheduler) reapOrphans(ctx context.Context) error {
	orphans, err := s.store.Requests().ListByState(ctx, models.StateBuilding)
	if err != nil {
		return fmt.Errorf("listing orphaned requests: %w", err)
	}
	for _, req := range orphans {
		n, err := s.store.Builds().AbortOpen(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("aborting builds of request %d: %w", req.ID, err)
		}
		if _, err := s.store.Requests().Transition(ctx, req.ID, models.StateAborted); err != nil {
			return fmt.Errorf("aborting request %d: %w", req.ID, err)
		}
		s.log.Warn("aborted orphaned request", "request_id", req.ID, "builds", n)
	}
	return nil
}

// Update runs one polling tick: heartbeat, dead workers, aborted requests,
// then new dispatches.
func (s *Scheduler) Update(ctx context.Context) error {
	if err := s.store.Servers().Heartbeat(ctx, models.SchedulerID); err != nil {
		return fmt.Errorf("refreshing heartbeat: %w", err)
	}
	if err := s.failDeadWorkers(ctx); err != nil {
		return err
	}
	if err := s.cancelAborted(ctx); err != nil {
		return err
	}
	return s.dispatchRequested(ctx)
}

// failDeadWorkers fails every BUILDING build whose worker is offline.
func (s *Scheduler) failDeadWorkers(ctx context.Context) error {
	builds, err := s.store.Builds().ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("listing builds in progress: %w", err)
	}

	offline := make(map[int64]bool)
	for _, b := range builds {
		if b.WorkerID == nil {
			continue
		}
		workerID := *b.WorkerID
		dead, checked := offline[workerID]
		if !checked {
			dead, err = s.store.Servers().IsOffline(ctx, workerID, s.cfg.ServerTimeout)
			if err != nil {
				return fmt.Errorf("checking worker %d: %w", workerID, err)
			}
			offline[workerID] = dead
		}
		if !dead {
			continue
		}
		ok, err := s.store.Builds().Transition(ctx, b.ID, models.StateFailed)
		if err != nil {
			return fmt.Errorf("failing build %d: %w", b.ID, err)
		}
		if ok {
			s.log.ForBuild(b.ID).Warn("worker offline, build failed", "worker_id", workerID)
		}
	}
	return nil
}

// cancelAborted cancels the task of every dispatched request aborted out of band.
func (s *Scheduler) cancelAborted(ctx context.Context) error {
	for _, d := range s.inFlight() {
		state, err := s.store.Requests().State(ctx, d.request.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reading request state: %w", err)
		}
		if err == nil && state != models.StateAborted {
			continue
		}
		s.log.Info("request aborted, cancelling", "request_id", d.request.ID)
		d.task.Cancel()
	}
	return nil
}

// dispatchRequested starts a task for every REQUESTED request whose
// dispatch key is free, oldest first.
func (s *Scheduler) dispatchRequested(ctx context.Context) error {
	requests, err := s.store.Requests().ListByState(ctx, models.StateRequested)
	if err != nil {
		return fmt.Errorf("listing requested: %w", err)
	}

	for _, req := range requests {
		key := models.KeyFor(req)

		s.mu.Lock()
		_, busy := s.dispatched[key]
		s.mu.Unlock()
		if busy {
			continue
		}

		ok, err := s.store.Requests().StartBuilding(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("dispatching request %d: %w", req.ID, err)
		}
		if !ok {
			// Aborted between the listing and the claim.
			continue
		}
		req.State = models.StateBuilding

		d := &dispatch{
			request: req,
			task:    task.New(context.Background(), s.process, s.finish),
		}
		s.mu.Lock()
		s.dispatched[key] = d
		s.mu.Unlock()

		s.log.Info("request dispatched",
			"request_id", req.ID,
			"project_id", req.ProjectID,
			"integration", req.Integration,
			"key", key.String(),
		)
		d.task.Start(req)
	}
	return nil
}

// process creates one build per config of the request's project and waits
// until none is open. It reports whether every build succeeded.
func (s *Scheduler) process(ctx context.Context, req *models.Request) (bool, error) {
	if err := s.store.Servers().SetStatus(ctx, models.SchedulerID, models.ServerStatusBusy); err != nil {
		s.log.Warn("failed to mark scheduler busy", "error", err)
	}

	project, err := s.store.Projects().Get(ctx, req.ProjectID)
	if err != nil {
		return false, fmt.Errorf("loading project %d: %w", req.ProjectID, err)
	}

	var ids []int64
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		ids = ids[:0]
		for _, cfg := range project.Configs {
			b := models.NewBuild(req, project, cfg)
			if err := tx.Builds().Create(ctx, b); err != nil {
				return fmt.Errorf("creating build %s: %w", cfg.Name, err)
			}
			ids = append(ids, b.ID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.log.Info("builds created", "request_id", req.ID, "project", project.Name, "count", len(ids))

	for {
		builds, err := s.store.Builds().ListByIDs(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// The polling loop notices a lost store and cancels this task.
			s.log.Warn("failed to poll builds", "request_id", req.ID, "error", err)
		} else {
			for _, b := range builds {
				if b.State == models.StateAborted {
					return false, fmt.Errorf("%w: %d", errBuildAborted, b.ID)
				}
			}
			if !models.AnyOpen(builds) {
				return models.AllSucceeded(builds), nil
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.cfg.BuildPollInterval):
		}
	}
}

// finish writes the request's terminal state and frees its dispatch key.
// Store errors are logged: a lost connection is repaired by the orphan
// reap of the next connect.
func (s *Scheduler) finish(out task.Outcome[bool], req *models.Request) {
	state := models.StateFailed
	switch {
	case out.Kind == task.Canceled, errors.Is(out.Err, errBuildAborted):
		state = models.StateAborted
	case out.Kind == task.Completed && out.Value:
		state = models.StateSucceeded
	case out.Kind == task.Failed:
		s.log.Error("request failed", "request_id", req.ID, "error", out.Err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if state != models.StateSucceeded {
		if n, err := s.store.Builds().AbortOpen(ctx, req.ID); err != nil {
			s.log.Warn("failed to abort builds", "request_id", req.ID, "error", err)
		} else if n > 0 {
			s.log.Info("aborted open builds", "request_id", req.ID, "count", n)
		}
	}
	if ok, err := s.store.Requests().Transition(ctx, req.ID, state); err != nil {
		s.log.Warn("failed to record request state", "request_id", req.ID, "state", state, "error", err)
	} else if ok {
		s.log.Info("request finished", "request_id", req.ID, "state", state)
	}

	s.mu.Lock()
	delete(s.dispatched, models.KeyFor(req))
	idle := len(s.dispatched) == 0
	s.mu.Unlock()

	if idle {
		if err := s.store.Servers().SetStatus(ctx, models.SchedulerID, models.ServerStatusIdle); err != nil {
			s.log.Warn("failed to mark scheduler idle", "error", err)
		}
	}
}

func (s *Scheduler) inFlight() []*dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*dispatch, 0, len(s.dispatched))
	for _, d := range s.dispatched {
		out = append(out, d)
	}
	return out
}

func (s *Scheduler) cancelAll() {
	for _, d := range s.inFlight() {
		d.task.Cancel()
	}
	s.retention.Cancel()
}

// Disconnected cancels every task; their rows are repaired on reconnect.
func (s *Scheduler) Disconnected() {
	s.cancelAll()
	s.log.Warn("scheduler disconnected")
}

// Shutdown cancels every task, then marks the scheduler OFFLINE.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancelAll()
	if err := s.store.Servers().SetStatus(ctx, models.SchedulerID, models.ServerStatusOffline); err != nil {
		return fmt.Errorf("marking scheduler offline: %w", err)
	}
	s.log.Info("scheduler offline")
	return nil
}
