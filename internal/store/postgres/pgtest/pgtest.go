// Package pgtest provisions a migrated PostgreSQL database for tests.
package pgtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/narvanalabs/buildfarm/internal/store/postgres"
)

// Open returns a database with the schema applied and every table empty.
// It uses TEST_DATABASE_URL when set and otherwise starts a postgres
// container, skipping the test when no container runtime is available.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = startContainer(t)
	}

	db, err := postgres.Open(postgres.DefaultConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Ping())
	require.NoError(t, postgres.Migrate(db))
	_, err = db.Exec(`TRUNCATE logs, builds, requests, build_configs, projects, servers RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return db
}

func startContainer(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "buildfarm",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgres://test:test@%s:%s/buildfarm?sslmode=disable", host, port.Port())
		}),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://test:test@%s:%s/buildfarm?sslmode=disable", host, port.Port())
}
