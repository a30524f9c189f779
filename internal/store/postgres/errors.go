package postgres

import (
	"strings"

	"github.com/narvanalabs/buildfarm/internal/store"
)

// Errors shared with the store package so callers can match either.
var (
	ErrNotFound      = store.ErrNotFound
	ErrDuplicateName = store.ErrDuplicateName
)

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL error code 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint") ||
		strings.Contains(err.Error(), "duplicate key")
}

