package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/narvanalabs/buildfarm/internal/store/postgres"
	"github.com/narvanalabs/buildfarm/pkg/config"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

const defaultTimeout = 30 * time.Second

// openStore connects to the database named by --database-url or the
// process configuration.
func openStore(cmd *cobra.Command) (*postgres.PostgresStore, error) {
	dsn, _ := cmd.Flags().GetString("database-url")
	if dsn == "" {
		dsn = config.LoadWithDefaults().DatabaseDSN
	}
	return postgres.NewPostgresStore(postgres.DefaultConfig(dsn), cliLogger().Logger)
}

// commandContext bounds a command by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil || timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// cliLogger writes warnings and errors as text to stderr.
func cliLogger() *logger.Logger {
	return logger.NewWithWriter(os.Stderr, slog.LevelWarn, false)
}
