// Package postgres provides a PostgreSQL-backed implementation of the build queue.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/queue"
	storepg "github.com/narvanalabs/buildfarm/internal/store/postgres"
)

// PostgresQueue implements queue.Queue over the builds table.
type PostgresQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB, logger *slog.Logger) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{
		db:     db,
		logger: logger,
	}
}

// Claim retrieves and locks the lowest-id REQUESTED build.
// Uses SELECT FOR UPDATE SKIP LOCKED so concurrent workers never wait on
// each other's candidate rows. The transaction commits immediately.
func (q *PostgresQueue) Claim(ctx context.Context, workerID int64) (*models.Build, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id
		FROM builds
		WHERE state = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var buildID int64
	err = tx.QueryRowContext(ctx, selectQuery, models.StateRequested).Scan(&buildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoBuilds
		}
		return nil, fmt.Errorf("selecting build: %w", err)
	}

	updateQuery := `
		UPDATE builds
		SET state = $2, worker_id = $3, started_at = NOW()
		WHERE id = $1
		RETURNING ` + storepg.BuildColumns

	build, err := storepg.ScanBuild(tx.QueryRowContext(ctx, updateQuery, buildID, models.StateBuilding, workerID))
	if err != nil {
		return nil, fmt.Errorf("claiming build: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	q.logger.Debug("claimed build", "build_id", build.ID, "worker_id", workerID)
	return build, nil
}

// Pending returns the number of REQUESTED builds.
func (q *PostgresQueue) Pending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM builds WHERE state = $1`, models.StateRequested).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending builds: %w", err)
	}
	return n, nil
}
