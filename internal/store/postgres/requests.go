package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// RequestStore implements store.RequestStore using PostgreSQL.
type RequestStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *RequestStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const requestColumns = `id, project_id, integration, source_branch, target_branch, state, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*models.Request, error) {
	var r models.Request
	err := row.Scan(&r.ID, &r.ProjectID, &r.Integration, &r.SourceBranch, &r.TargetBranch,
		&r.State, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create inserts a new REQUESTED request.
func (s *RequestStore) Create(ctx context.Context, req *models.Request) error {
	req.State = models.StateRequested
	err := s.conn().QueryRowContext(ctx, `
		INSERT INTO requests (project_id, integration, source_branch, target_branch, state)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		req.ProjectID, req.Integration, req.SourceBranch, req.TargetBranch, req.State,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	s.logger.Debug("request created", "request_id", req.ID, "project_id", req.ProjectID)
	return nil
}

// Get retrieves a request by ID.
func (s *RequestStore) Get(ctx context.Context, id int64) (*models.Request, error) {
	r, err := scanRequest(s.conn().QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return r, nil
}

// State returns the current state of a request.
func (s *RequestStore) State(ctx context.Context, id int64) (models.State, error) {
	var state models.State
	if err := fetchField(ctx, s.conn(), tableRequests, colState, id, &state); err != nil {
		return "", err
	}
	return state, nil
}

// Transition moves an open request to next.
func (s *RequestStore) Transition(ctx context.Context, id int64, next models.State) (bool, error) {
	if !next.Valid() || next == models.StateRequested {
		return false, fmt.Errorf("invalid request transition to %q", next)
	}
	return s.transition(ctx, id, next, models.OpenStates)
}

// StartBuilding moves a REQUESTED request to BUILDING.
func (s *RequestStore) StartBuilding(ctx context.Context, id int64) (bool, error) {
	return s.transition(ctx, id, models.StateBuilding, []models.State{models.StateRequested})
}

func (s *RequestStore) transition(ctx context.Context, id int64, next models.State, from []models.State) (bool, error) {
	result, err := s.conn().ExecContext(ctx, `
		UPDATE requests SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state = ANY($3)`,
		id, next, stateArray(from),
	)
	if err != nil {
		return false, fmt.Errorf("updating request state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// ListByState returns every request in state, oldest first.
func (s *RequestStore) ListByState(ctx context.Context, state models.State) ([]*models.Request, error) {
	return s.list(ctx, `SELECT `+requestColumns+` FROM requests WHERE state = $1 ORDER BY id`, state)
}

// List returns a page of requests, newest first.
func (s *RequestStore) List(ctx context.Context, page store.Page) ([]*models.Request, error) {
	return s.list(ctx, `SELECT `+requestColumns+` FROM requests ORDER BY id DESC LIMIT $1 OFFSET $2`,
		page.Limit, page.Offset)
}

// Count returns the number of requests.
func (s *RequestStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting requests: %w", err)
	}
	return n, nil
}

func (s *RequestStore) list(ctx context.Context, query string, args ...any) ([]*models.Request, error) {
	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating requests: %w", err)
	}
	return requests, nil
}
