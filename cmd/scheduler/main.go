// Package main provides the entry point for the build scheduler.
package main

import (
	"context"
	"os"
	"time"

	"github.com/narvanalabs/buildfarm/internal/agent"
	"github.com/narvanalabs/buildfarm/internal/eventlog"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/projects"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/internal/shutdown"
	"github.com/narvanalabs/buildfarm/internal/store/postgres"
	"github.com/narvanalabs/buildfarm/pkg/config"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

func main() {
	cfg, err := config.Load()
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

	// The agent loop reconnects on its own, so the handle is opened without
	// waiting for the database.
	db, err := postgres.Open(postgres.DefaultConfig(cfg.DatabaseDSN))
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	st := postgres.NewFromDB(db, log.Logger)

	if cfg.ProjectsFile != "" {
		defs, err := projects.Load(cfg.ProjectsFile)
		if err != nil {
			log.Error("failed to load projects", "error", err, "file", cfg.ProjectsFile)
			os.Exit(1)
		}
		syncCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = projects.Sync(syncCtx, st, defs, log.Logger)
		cancel()
		if err != nil {
			log.Error("failed to sync projects", "error", err)
			os.Exit(1)
		}
	}

	evlog := eventlog.New(st.Logs(), log.WithComponent("scheduler").Logger, models.SchedulerID, minSeverity)
	sched := scheduler.New(scheduler.Config{
		ServerTimeout:        cfg.ServerTimeout,
		BuildPollInterval:    cfg.Scheduler.BuildPollInterval,
		LogRetention:         cfg.Scheduler.LogRetention,
		LogRetentionInterval: cfg.Scheduler.LogRetentionInterval,
	}, st, evlog)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := agent.Run(ctx, st, sched, agent.Config{
			PollInterval:    cfg.PollInterval,
			InitialBackoff:  cfg.ReconnectInitial,
			MaxBackoff:      cfg.ReconnectMax,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, log.Logger)
		if err != nil {
			log.Error("scheduler stopped with error", "error", err)
		}
	}()

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout+5*time.Second),
		shutdown.WithLogger(log.Logger),
	)
	coordinator.Register(shutdown.NewCloserComponent("database", st))
	coordinator.Register(shutdown.NewLoopComponent("scheduler", cancel, done))

	log.Info("starting scheduler", "poll_interval", cfg.PollInterval, "server_timeout", cfg.ServerTimeout)
	// A loop that ends on its own still runs the shutdown sequence.
	stopped, stop := context.WithCancel(context.Background())
	go func() {
		<-done
		stop()
	}()
	coordinator.WaitForSignal(stopped)
	os.Exit(coordinator.ExitCode())
}
