// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/narvanalabs/buildfarm/internal/store"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	projects *ProjectStore
	requests *RequestStore
	builds   *BuildStore
	servers  *ServerStore
	logs     *LogStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// Open opens a database handle configured from cfg without verifying it.
func Open(cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := NewFromDB(db, logger)
	s.logger.Info("connected to PostgreSQL database")
	return s, nil
}

// NewFromDB wraps an existing database handle.
func NewFromDB(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:       db,
		logger:   logger,
		projects: &ProjectStore{db: db, logger: logger},
		requests: &RequestStore{db: db, logger: logger},
		builds:   &BuildStore{db: db, logger: logger},
		servers:  &ServerStore{db: db, logger: logger},
		logs:     &LogStore{db: db, logger: logger},
	}
}

// Projects returns the ProjectStore.
func (s *PostgresStore) Projects() store.ProjectStore {
	return s.projects
}

// Requests returns the RequestStore.
func (s *PostgresStore) Requests() store.RequestStore {
	return s.requests
}

// Builds returns the BuildStore.
func (s *PostgresStore) Builds() store.BuildStore {
	return s.builds
}

// Servers returns the ServerStore.
func (s *PostgresStore) Servers() store.ServerStore {
	return s.servers
}

// Logs returns the LogStore.
func (s *PostgresStore) Logs() store.LogStore {
	return s.logs
}

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &txStore{
		tx:     tx,
		logger: s.logger,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Ping verifies the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
// The queue shares it to run its own claim transactions.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx     *sql.Tx
	logger *slog.Logger

	projects *ProjectStore
	requests *RequestStore
	builds   *BuildStore
	servers  *ServerStore
	logs     *LogStore
}

func (s *txStore) Projects() store.ProjectStore {
	if s.projects == nil {
		s.projects = &ProjectStore{tx: s.tx, logger: s.logger}
	}
	return s.projects
}

func (s *txStore) Requests() store.RequestStore {
	if s.requests == nil {
		s.requests = &RequestStore{tx: s.tx, logger: s.logger}
	}
	return s.requests
}

func (s *txStore) Builds() store.BuildStore {
	if s.builds == nil {
		s.builds = &BuildStore{tx: s.tx, logger: s.logger}
	}
	return s.builds
}

func (s *txStore) Servers() store.ServerStore {
	if s.servers == nil {
		s.servers = &ServerStore{tx: s.tx, logger: s.logger}
	}
	return s.servers
}

func (s *txStore) Logs() store.LogStore {
	if s.logs == nil {
		s.logs = &LogStore{tx: s.tx, logger: s.logger}
	}
	return s.logs
}

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txStore) Ping(ctx context.Context) error {
	return nil
}

func (s *txStore) Close() error {
	// No-op for transaction store
	return nil
}

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
