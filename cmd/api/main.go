// Package main provides the entry point for the API server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/buildfarm/internal/api"
	"github.com/narvanalabs/buildfarm/internal/artifacts"
	"github.com/narvanalabs/buildfarm/internal/store/postgres"
	"github.com/narvanalabs/buildfarm/pkg/config"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.ValidateAPI()
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

	store, err := postgres.NewPostgresStore(postgres.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	server := api.NewServer(cfg, store, artifacts.New(cfg.Worker.ArtifactsDir), log.WithComponent("api").Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown requested")
		return nil
	})

	log.Info("starting API server", "host", cfg.APIHost, "port", cfg.APIPort)
	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
