package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// BuildStore implements store.BuildStore using PostgreSQL.
type BuildStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *BuildStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// BuildColumns is the column list scanned by ScanBuild.
const BuildColumns = `id, request_id, worker_id, config_name, project_name, remote_url, source_branch,
	build_script, work_dir, output_file, state, created_at, started_at, finished_at`

// ScanBuild scans one row selected with BuildColumns.
func ScanBuild(row interface{ Scan(...any) error }) (*models.Build, error) {
	var b models.Build
	var workerID sql.NullInt64
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&b.ID,
		&b.RequestID,
		&workerID,
		&b.ConfigName,
		&b.ProjectName,
		&b.RemoteURL,
		&b.SourceBranch,
		&b.BuildScript,
		&b.WorkDir,
		&b.OutputFile,
		&b.State,
		&b.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if workerID.Valid {
		b.WorkerID = &workerID.Int64
	}
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		b.FinishedAt = &finishedAt.Time
	}
	return &b, nil
}

// Create inserts a new build.
func (s *BuildStore) Create(ctx context.Context, build *models.Build) error {
	if build.State == "" {
		build.State = models.StateRequested
	}
	err := s.conn().QueryRowContext(ctx, `
		INSERT INTO builds (request_id, config_name, project_name, remote_url, source_branch,
			build_script, work_dir, output_file, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		build.RequestID,
		build.ConfigName,
		build.ProjectName,
		build.RemoteURL,
		build.SourceBranch,
		build.BuildScript,
		build.WorkDir,
		build.OutputFile,
		build.State,
	).Scan(&build.ID, &build.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting build: %w", err)
	}
	return nil
}

// Get retrieves a build by ID.
func (s *BuildStore) Get(ctx context.Context, id int64) (*models.Build, error) {
	b, err := ScanBuild(s.conn().QueryRowContext(ctx,
		`SELECT `+BuildColumns+` FROM builds WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}
	return b, nil
}

// State returns the current state of a build.
func (s *BuildStore) State(ctx context.Context, id int64) (models.State, error) {
	var state models.State
	if err := fetchField(ctx, s.conn(), tableBuilds, colState, id, &state); err != nil {
		return "", err
	}
	return state, nil
}

// Transition moves an open build to a terminal state.
func (s *BuildStore) Transition(ctx context.Context, id int64, next models.State) (bool, error) {
	if !next.IsTerminal() {
		return false, fmt.Errorf("invalid build transition to %q", next)
	}
	result, err := s.conn().ExecContext(ctx, `
		UPDATE builds SET state = $2, finished_at = NOW()
		WHERE id = $1 AND state = ANY($3)`,
		id, next, stateArray(models.OpenStates),
	)
	if err != nil {
		return false, fmt.Errorf("updating build state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// AbortOpen aborts every open build of a request.
func (s *BuildStore) AbortOpen(ctx context.Context, requestID int64) (int, error) {
	result, err := s.conn().ExecContext(ctx, `
		UPDATE builds SET state = $2, finished_at = NOW()
		WHERE request_id = $1 AND state = ANY($3)`,
		requestID, models.StateAborted, stateArray(models.OpenStates),
	)
	if err != nil {
		return 0, fmt.Errorf("aborting builds: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// ListInProgress returns every BUILDING build.
func (s *BuildStore) ListInProgress(ctx context.Context) ([]*models.Build, error) {
	return s.list(ctx, `SELECT `+BuildColumns+` FROM builds WHERE state = $1 ORDER BY id`,
		models.StateBuilding)
}

// ListByRequest returns the builds of a request ordered by ID.
func (s *BuildStore) ListByRequest(ctx context.Context, requestID int64) ([]*models.Build, error) {
	return s.list(ctx, `SELECT `+BuildColumns+` FROM builds WHERE request_id = $1 ORDER BY id`,
		requestID)
}

// ListByIDs returns the builds with the given IDs ordered by ID.
func (s *BuildStore) ListByIDs(ctx context.Context, ids []int64) ([]*models.Build, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, `SELECT `+BuildColumns+` FROM builds WHERE id = ANY($1) ORDER BY id`,
		pq.Array(ids))
}

// List returns a page of builds, newest first.
func (s *BuildStore) List(ctx context.Context, page store.Page) ([]*models.Build, error) {
	return s.list(ctx, `SELECT `+BuildColumns+` FROM builds ORDER BY id DESC LIMIT $1 OFFSET $2`,
		page.Limit, page.Offset)
}

// Count returns the number of builds.
func (s *BuildStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM builds`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting builds: %w", err)
	}
	return n, nil
}

func (s *BuildStore) list(ctx context.Context, query string, args ...any) ([]*models.Build, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		b, err := ScanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		builds = append(builds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating builds: %w", err)
	}
	return builds, nil
}
