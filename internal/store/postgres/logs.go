package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *LogStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create creates a new log entry.
func (s *LogStore) Create(ctx context.Context, entry *models.LogEntry) error {
	query := `
		INSERT INTO logs (server_id, build_id, severity, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var buildID sql.NullInt64
	if entry.BuildID != nil {
		buildID = sql.NullInt64{Int64: *entry.BuildID, Valid: true}
	}

	err := s.conn().QueryRowContext(ctx, query,
		entry.ServerID,
		buildID,
		entry.Severity,
		entry.Message,
		entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("inserting log entry: %w", err)
	}
	return nil
}

// List returns the most recent matching entries, oldest first.
func (s *LogStore) List(ctx context.Context, filter store.LogFilter) ([]*models.LogEntry, error) {
	var where []string
	var args []any
	if filter.ServerID != nil {
		args = append(args, *filter.ServerID)
		where = append(where, fmt.Sprintf("server_id = $%d", len(args)))
	}
	if filter.BuildID != nil {
		args = append(args, *filter.BuildID)
		where = append(where, fmt.Sprintf("build_id = $%d", len(args)))
	}
	if len(filter.Severities) > 0 {
		args = append(args, pq.Array(filter.Severities))
		where = append(where, fmt.Sprintf("severity = ANY($%d)", len(args)))
	}

	query := `SELECT id, server_id, build_id, severity, message, created_at FROM logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	entries, err := s.scanLogs(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// DeleteBefore removes log entries created before t.
func (s *LogStore) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM logs WHERE created_at < $1`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting old logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// scanLogs scans multiple log entry rows.
func (s *LogStore) scanLogs(rows *sql.Rows) ([]*models.LogEntry, error) {
	var entries []*models.LogEntry

	for rows.Next() {
		entry := &models.LogEntry{}
		var buildID sql.NullInt64

		err := rows.Scan(
			&entry.ID,
			&entry.ServerID,
			&buildID,
			&entry.Severity,
			&entry.Message,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		if buildID.Valid {
			entry.BuildID = &buildID.Int64
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log rows: %w", err)
	}

	return entries, nil
}
