// Package main provides the entry point for the build worker.
package main

import (
	"context"
	"os"
	"time"

	"github.com/narvanalabs/buildfarm/internal/agent"
	"github.com/narvanalabs/buildfarm/internal/artifacts"
	"github.com/narvanalabs/buildfarm/internal/eventlog"
	pgqueue "github.com/narvanalabs/buildfarm/internal/queue/postgres"
	"github.com/narvanalabs/buildfarm/internal/runner"
	"github.com/narvanalabs/buildfarm/internal/shutdown"
	"github.com/narvanalabs/buildfarm/internal/store/postgres"
	"github.com/narvanalabs/buildfarm/internal/worker"
	"github.com/narvanalabs/buildfarm/pkg/config"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateWorker()
	}
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log, err := logger.FromConfig(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Default().Error("invalid log level", "error", err)
		os.Exit(1)
	}
	minSeverity, err := eventlog.ParseSeverity(cfg.LogLevel)
	if err != nil {
		log.Error("invalid log level", "error", err)
		os.Exit(1)
	}

	db, err := postgres.Open(postgres.DefaultConfig(cfg.DatabaseDSN))
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	st := postgres.NewFromDB(db, log.Logger)
	queue := pgqueue.NewPostgresQueue(db, log.Logger)

	evlog := eventlog.New(st.Logs(), log.WithComponent("worker").Logger, cfg.Worker.ID, minSeverity)
	w, err := worker.New(worker.Config{
		ID:          cfg.Worker.ID,
		WorkDir:     cfg.Worker.WorkDir,
		Interpreter: cfg.Worker.Interpreter,
	}, st, queue, runner.New(evlog, cfg.Worker.KillGrace), artifacts.New(cfg.Worker.ArtifactsDir), evlog)
	if err != nil {
		log.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := agent.Run(ctx, st, w, agent.Config{
			PollInterval:    cfg.PollInterval,
			InitialBackoff:  cfg.ReconnectInitial,
			MaxBackoff:      cfg.ReconnectMax,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, log.Logger)
		if err != nil {
			log.Error("worker stopped with error", "error", err)
		}
	}()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout+5*time.Second),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("database", st))
	coordinator.Register(shutdown.NewLoopComponent(w.Name(), cancel, done))

	log.Info("starting build worker",
		"worker_id", cfg.Worker.ID,
		"work_dir", cfg.Worker.WorkDir,
		"artifacts_dir", cfg.Worker.ArtifactsDir,
	)

	stopped, stop := context.WithCancel(context.Background())
	go func() {
		<-done
		stop()
	}()
	coordinator.WaitForSignal(stopped)
	os.Exit(coordinator.ExitCode())
}
