package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/narvanalabs/buildfarm/internal/models"
)

// table is one of the tables whose single fields can be read or written.
type table string

const (
	tableRequests table = "requests"
	tableBuilds   table = "builds"
	tableServers  table = "servers"
)

// column is a closed set of column identifiers. Query text is only ever
// built from these constants, never from caller input.
type column string

const (
	colState  column = "state"
	colStatus column = "status"
)

var columns = map[table]map[column]bool{
	tableRequests: {colState: true},
	tableBuilds:   {colState: true},
	tableServers:  {colStatus: true},
}

func checkColumn(t table, c column) error {
	if !columns[t][c] {
		return fmt.Errorf("unknown column %s.%s", t, c)
	}
	return nil
}

// fetchField reads one column of one row into dest.
func fetchField(ctx context.Context, q queryable, t table, c column, id int64, dest any) error {
	if err := checkColumn(t, c); err != nil {
		return err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, c, t)
	if err := q.QueryRowContext(ctx, query, id).Scan(dest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("fetching %s.%s: %w", t, c, err)
	}
	return nil
}

// updateField writes one column of one row. It returns ErrNotFound when
// no row has the id.
func updateField(ctx context.Context, q queryable, t table, c column, id int64, value any) error {
	if err := checkColumn(t, c); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE id = $1`, t, c)
	result, err := q.ExecContext(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("updating %s.%s: %w", t, c, err)
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

// stateArray binds a set of states as a text[] parameter.
func stateArray(states []models.State) any {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return pq.Array(names)
}
