package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// ServerStore implements store.ServerStore using PostgreSQL.
type ServerStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ServerStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Register creates or replaces the server row with status and a fresh heartbeat.
func (s *ServerStore) Register(ctx context.Context, id int64, status models.ServerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid server status %q", status)
	}
	_, err := s.conn().ExecContext(ctx, `
		INSERT INTO servers (id, status, heartbeat)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			heartbeat = EXCLUDED.heartbeat`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("registering server: %w", err)
	}
	s.logger.Debug("server registered", "server_id", id, "status", status)
	return nil
}

// Heartbeat refreshes the heartbeat of a server.
func (s *ServerStore) Heartbeat(ctx context.Context, id int64) error {
	result, err := s.conn().ExecContext(ctx, `UPDATE servers SET heartbeat = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the status of a server.
func (s *ServerStore) SetStatus(ctx context.Context, id int64, status models.ServerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid server status %q", status)
	}
	return updateField(ctx, s.conn(), tableServers, colStatus, id, status)
}

// Get retrieves a server by ID.
func (s *ServerStore) Get(ctx context.Context, id int64) (*models.Server, error) {
	var srv models.Server
	var heartbeat sql.NullTime
	err := s.conn().QueryRowContext(ctx,
		`SELECT id, status, heartbeat FROM servers WHERE id = $1`, id,
	).Scan(&srv.ID, &srv.Status, &heartbeat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying server: %w", err)
	}
	srv.Heartbeat = heartbeat.Time
	return &srv, nil
}

// IsOffline reports whether a server is OFFLINE, missing, or silent for
// longer than timeout according to the database clock.
func (s *ServerStore) IsOffline(ctx context.Context, id int64, timeout time.Duration) (bool, error) {
	var online bool
	err := s.conn().QueryRowContext(ctx, `
		SELECT status <> $2 AND heartbeat IS NOT NULL
			AND NOW() - heartbeat <= make_interval(secs => $3)
		FROM servers WHERE id = $1`,
		id, models.ServerStatusOffline, timeout.Seconds(),
	).Scan(&online)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("checking server liveness: %w", err)
	}
	return !online, nil
}

// List retrieves every server ordered by ID.
func (s *ServerStore) List(ctx context.Context) ([]*models.Server, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT id, status, heartbeat FROM servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying servers: %w", err)
	}
	defer rows.Close()

	var servers []*models.Server
	for rows.Next() {
		var srv models.Server
		var heartbeat sql.NullTime
		if err := rows.Scan(&srv.ID, &srv.Status, &heartbeat); err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		srv.Heartbeat = heartbeat.Time
		servers = append(servers, &srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating servers: %w", err)
	}
	return servers, nil
}
