package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/narvanalabs/buildfarm/internal/models"
)

// ProjectStore implements store.ProjectStore using PostgreSQL.
type ProjectStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ProjectStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// atomic runs fn in the current transaction, or in a new one.
func (s *ProjectStore) atomic(ctx context.Context, fn func(q queryable) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Create creates a project together with its build configs.
func (s *ProjectStore) Create(ctx context.Context, project *models.Project) error {
	return s.atomic(ctx, func(q queryable) error {
		err := q.QueryRowContext(ctx, `
			INSERT INTO projects (name, remote_url)
			VALUES ($1, $2)
			RETURNING id`,
			project.Name, project.RemoteURL,
		).Scan(&project.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateName
			}
			return fmt.Errorf("inserting project: %w", err)
		}
		return insertConfigs(ctx, q, project)
	})
}

// Save creates the project or replaces the remote URL and build configs of
// the project with the same name.
func (s *ProjectStore) Save(ctx context.Context, project *models.Project) error {
	return s.atomic(ctx, func(q queryable) error {
		err := q.QueryRowContext(ctx, `
			INSERT INTO projects (name, remote_url)
			VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET
				remote_url = EXCLUDED.remote_url
			RETURNING id`,
			project.Name, project.RemoteURL,
		).Scan(&project.ID)
		if err != nil {
			return fmt.Errorf("upserting project: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM build_configs WHERE project_id = $1`, project.ID); err != nil {
			return fmt.Errorf("deleting build configs: %w", err)
		}
		return insertConfigs(ctx, q, project)
	})
}

func insertConfigs(ctx context.Context, q queryable, project *models.Project) error {
	for _, cfg := range project.Configs {
		_, err := q.ExecContext(ctx, `
			INSERT INTO build_configs (project_id, name, build_script, work_dir, output_file)
			VALUES ($1, $2, $3, $4, $5)`,
			project.ID, cfg.Name, cfg.BuildScript, cfg.WorkDir, cfg.OutputFile,
		)
		if err != nil {
			return fmt.Errorf("inserting build config %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Get retrieves a project with its build configs.
func (s *ProjectStore) Get(ctx context.Context, id int64) (*models.Project, error) {
	return s.getWhere(ctx, `id = $1`, id)
}

// GetByName retrieves a project by its unique name.
func (s *ProjectStore) GetByName(ctx context.Context, name string) (*models.Project, error) {
	return s.getWhere(ctx, `name = $1`, name)
}

func (s *ProjectStore) getWhere(ctx context.Context, where string, arg any) (*models.Project, error) {
	var p models.Project
	err := s.conn().QueryRowContext(ctx,
		`SELECT id, name, remote_url FROM projects WHERE `+where, arg,
	).Scan(&p.ID, &p.Name, &p.RemoteURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying project: %w", err)
	}

	configs, err := s.configs(ctx, []int64{p.ID})
	if err != nil {
		return nil, err
	}
	p.Configs = configs[p.ID]
	return &p, nil
}

// List retrieves all projects ordered by name.
func (s *ProjectStore) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.conn().QueryContext(ctx, `SELECT id, name, remote_url FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	var ids []int64
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.RemoteURL); err != nil {
			return nil, fmt.Errorf("scanning project: %w", err)
		}
		projects = append(projects, &p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating projects: %w", err)
	}

	configs, err := s.configs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		p.Configs = configs[p.ID]
	}
	return projects, nil
}

// configs loads the build configs of the given projects keyed by project ID.
func (s *ProjectStore) configs(ctx context.Context, projectIDs []int64) (map[int64][]models.BuildConfig, error) {
	rows, err := s.conn().QueryContext(ctx, `
		SELECT project_id, name, build_script, work_dir, output_file
		FROM build_configs
		WHERE project_id = ANY($1)
		ORDER BY project_id, name`,
		pq.Array(projectIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("querying build configs: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]models.BuildConfig)
	for rows.Next() {
		var projectID int64
		var cfg models.BuildConfig
		if err := rows.Scan(&projectID, &cfg.Name, &cfg.BuildScript, &cfg.WorkDir, &cfg.OutputFile); err != nil {
			return nil, fmt.Errorf("scanning build config: %w", err)
		}
		result[projectID] = append(result[projectID], cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build configs: %w", err)
	}
	return result, nil
}
