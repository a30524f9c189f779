// Package worker claims builds from the shared queue and runs them: it
// prepares the source tree, runs the build script and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/narvanalabs/buildfarm/internal/artifacts"
	"github.com/narvanalabs/buildfarm/internal/eventlog"
	"github.com/narvanalabs/buildfarm/internal/git"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/runner"
	"github.com/narvanalabs/buildfarm/internal/source"
	"github.com/narvanalabs/buildfarm/internal/store"
	"github.com/narvanalabs/buildfarm/internal/task"
)

// ErrReservedID is returned by New for ids that are not positive.
var ErrReservedID = errors.New("worker id must be positive, 0 is reserved for the scheduler")

// storeTimeout bounds the terminal writes made after a build ends.
const storeTimeout = 10 * time.Second

// Config holds worker configuration.
type Config struct {
	ID int64
	// WorkDir holds <project>/git and <project>/work_tree.
	WorkDir string
	// Interpreter runs the build script. Empty executes the script directly.
	Interpreter string
}

// Preparer checks out a source tree with its submodules.
type Preparer interface {
	Prepare(ctx context.Context, url, ref string) ([]source.Module, error)
}

// PreparerFactory builds the Preparer for one project checkout.
type PreparerFactory func(gitRoot, workTreeRoot string, r runner.Runner, log *eventlog.Logger) Preparer

func defaultPreparer(gitRoot, workTreeRoot string, r runner.Runner, log *eventlog.Logger) Preparer {
	return source.New(gitRoot, workTreeRoot, r, log)
}

// Worker runs at most one build at a time.
type Worker struct {
	cfg       Config
	store     store.Store
	queue     queue.Queue
	runner    runner.Runner
	artifacts *artifacts.Store
	log       *eventlog.Logger
	prepare   PreparerFactory

	build *task.Task[*models.Build, int]

	mu      sync.Mutex
	current *models.Build
}

// New creates a worker. It fails with ErrReservedID when cfg.ID is not positive.
func New(cfg Config, s store.Store, q queue.Queue, r runner.Runner, arts *artifacts.Store, log *eventlog.Logger) (*Worker, error) {
	if cfg.ID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrReservedID, cfg.ID)
	}
	if s == nil || q == nil || r == nil || arts == nil {
		return nil, errors.New("worker requires a store, queue, runner and artifact store")
	}
	if log == nil {
		log = eventlog.New(s.Logs(), nil, cfg.ID, eventlog.Info)
	}

	w := &Worker{
		cfg:       cfg,
		store:     s,
		queue:     q,
		runner:    r,
		artifacts: arts,
		log:       log,
		prepare:   defaultPreparer,
	}
	w.build = task.New(context.Background(), w.run, w.finish)
	return w, nil
}

// SetPreparerFactory replaces how source trees are prepared.
func (w *Worker) SetPreparerFactory(f PreparerFactory) {
	w.prepare = f
}

// Name identifies the worker in process logs.
func (w *Worker) Name() string {
	return "worker-" + strconv.FormatInt(w.cfg.ID, 10)
}

// Current returns the build in flight, if any.
func (w *Worker) Current() *models.Build {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Connected registers the worker as IDLE. Builds still marked BUILDING
// under this id belong to a previous incarnation and are failed; they are
// never resumed.
func (w *Worker) Connected(ctx context.Context) error {
	if err := w.store.Servers().Register(ctx, w.cfg.ID, models.ServerStatusIdle); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}

	builds, err := w.store.Builds().ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("listing builds in progress: %w", err)
	}
	for _, b := range builds {
		if b.WorkerID == nil || *b.WorkerID != w.cfg.ID {
			continue
		}
		ok, err := w.store.Builds().Transition(ctx, b.ID, models.StateFailed)
		if err != nil {
			return fmt.Errorf("failing stale build %d: %w", b.ID, err)
		}
		if ok {
			w.log.ForBuild(b.ID).Warn("build left running by a previous worker session marked failed")
		}
	}

	w.log.Info("worker connected")
	return nil
}

// Update runs one polling tick: heartbeat, abort detection, then claim.
func (w *Worker) Update(ctx context.Context) error {
	if err := w.store.Servers().Heartbeat(ctx, w.cfg.ID); err != nil {
		return fmt.Errorf("refreshing heartbeat: %w", err)
	}

	if cur := w.Current(); cur != nil {
		state, err := w.store.Builds().State(ctx, cur.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reading build state: %w", err)
		}
		if err != nil || !state.IsOpen() {
			w.log.ForBuild(cur.ID).Info("build closed out of band, cancelling", "state", state)
			w.build.Cancel()
		}
		return nil
	}
	if w.build.Running() {
		// The previous build is still inside its completion handler.
		return nil
	}

	b, err := w.queue.Claim(ctx, w.cfg.ID)
	if err != nil {
		if errors.Is(err, queue.ErrNoBuilds) {
			return nil
		}
		return fmt.Errorf("claiming build: %w", err)
	}

	w.mu.Lock()
	w.current = b
	w.mu.Unlock()

	w.log.ForBuild(b.ID).Info("build claimed",
		"project", b.ProjectName,
		"config", b.ConfigName,
		"branch", b.SourceBranch,
	)
	w.build.Start(b)
	return nil
}

// Disconnected cancels the build in flight; its state can no longer be trusted.
func (w *Worker) Disconnected() {
	w.build.Cancel()
	w.log.Warn("worker disconnected")
}

// Shutdown cancels the build in flight and marks the worker OFFLINE.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.build.Cancel()
	if err := w.store.Servers().SetStatus(ctx, w.cfg.ID, models.ServerStatusOffline); err != nil {
		return fmt.Errorf("marking worker offline: %w", err)
	}
	w.log.Info("worker offline")
	return nil
}

// run prepares the sources and runs the build script. It returns the exit
// code of the script; errors are reserved for failures before or around it.
func (w *Worker) run(ctx context.Context, b *models.Build) (int, error) {
	log := w.log.ForBuild(b.ID)

	if err := w.store.Servers().SetStatus(ctx, w.cfg.ID, models.ServerStatusBusy); err != nil {
		log.Warn("failed to mark worker busy", "error", err)
	}

	out, err := w.artifacts.CreateLog(b.ID)
	if err != nil {
		return -1, err
	}
	defer out.Close()

	r := w.runner
	if e, ok := r.(*runner.Exec); ok {
		r = e.WithLogger(log)
	}

	projectDir := filepath.Join(w.cfg.WorkDir, b.ProjectName)
	treeRoot := filepath.Join(projectDir, "work_tree")
	pipeline := w.prepare(filepath.Join(projectDir, "git"), treeRoot, r, log)

	ref := SourceRef(b.SourceBranch)
	log.Info("preparing sources", "remote", b.RemoteURL, "ref", ref)
	if _, err := pipeline.Prepare(ctx, b.RemoteURL, ref); err != nil {
		return -1, fmt.Errorf("preparing sources: %w", err)
	}

	script := filepath.Join(treeRoot, filepath.FromSlash(b.BuildScript))
	args := []string{script}
	if w.cfg.Interpreter != "" {
		args = []string{w.cfg.Interpreter, script}
	}
	workDir := filepath.Join(treeRoot, filepath.FromSlash(b.WorkDir))

	log.Info("running build script", "script", b.BuildScript, "work_dir", b.WorkDir)
	_, err = r.Run(ctx, runner.Command{
		Args:   args,
		Dir:    workDir,
		Env:    buildEnv(b),
		Output: out,
	})
	if err != nil {
		if perr, ok := runner.AsProcessError(err); ok {
			log.Info("build script exited", "code", perr.Code)
			return perr.Code, nil
		}
		return -1, fmt.Errorf("running build script: %w", err)
	}

	if b.OutputFile != "" {
		name, err := w.artifacts.CopyOutput(b.ID, filepath.Join(workDir, filepath.FromSlash(b.OutputFile)))
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Warn("declared output file was not produced", "output_file", b.OutputFile)
		case err != nil:
			return -1, fmt.Errorf("collecting output file: %w", err)
		default:
			log.Info("output file collected", "artifact", name)
		}
	}
	return 0, nil
}

// finish records the terminal build state, then frees the worker. It runs
// for every outcome and never gives up half way: store errors are logged.
func (w *Worker) finish(out task.Outcome[int], b *models.Build) {
	log := w.log.ForBuild(b.ID)

	state := models.StateFailed
	switch out.Kind {
	case task.Canceled:
		state = models.StateAborted
		log.Info("build cancelled")
	case task.Failed:
		log.Error("build failed", "error", out.Err)
	case task.Completed:
		if out.Value == 0 {
			state = models.StateSucceeded
		}
		log.Info("build finished", "code", out.Value)
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if ok, err := w.store.Builds().Transition(ctx, b.ID, state); err != nil {
		log.Warn("failed to record build state", "state", state, "error", err)
	} else if !ok {
		log.Debug("build already closed", "state", state)
	}
	if err := w.store.Servers().SetStatus(ctx, w.cfg.ID, models.ServerStatusIdle); err != nil {
		log.Warn("failed to mark worker idle", "error", err)
	}

	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()
}

// buildEnv is the environment of a build script: the worker's own plus a
// description of the build.
// SourceRef is the ref checked out for a requested branch: its remote
// tracking branch, since a fetch into a fresh repository creates no local
// branches.
func SourceRef(branch string) string {
	return git.DefaultRemote + "/" + branch
}

func buildEnv(b *models.Build) []string {
	return append(os.Environ(),
		"BUILDFARM_BUILD_ID="+strconv.FormatInt(b.ID, 10),
		"BUILDFARM_REQUEST_ID="+strconv.FormatInt(b.RequestID, 10),
		"BUILDFARM_PROJECT="+b.ProjectName,
		"BUILDFARM_CONFIG="+b.ConfigName,
		"BUILDFARM_BRANCH="+b.SourceBranch,
	)
}
