// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateName is returned when creating a project whose name is taken.
	ErrDuplicateName = errors.New("duplicate name")
)

// Page selects a window of a listing, newest first.
type Page struct {
	Limit  int
	Offset int
}

// ProjectStore defines operations for projects and their build configs.
type ProjectStore interface {
	// Create creates a project together with its build configs.
	Create(ctx context.Context, project *models.Project) error
	// Get retrieves a project with its build configs.
	Get(ctx context.Context, id int64) (*models.Project, error)
	// GetByName retrieves a project by its unique name.
	GetByName(ctx context.Context, name string) (*models.Project, error)
	// List retrieves all projects ordered by name.
	List(ctx context.Context) ([]*models.Project, error)
	// Save creates the project or replaces the remote URL and configs of
	// the project with the same name.
	Save(ctx context.Context, project *models.Project) error
}

// RequestStore defines operations for requests.
type RequestStore interface {
	// Create inserts a new REQUESTED request.
	Create(ctx context.Context, req *models.Request) error
	// Get retrieves a request by ID.
	Get(ctx context.Context, id int64) (*models.Request, error)
	// State returns the current state of a request.
	State(ctx context.Context, id int64) (models.State, error)
	// Transition moves the request from one of the open states to next.
	// It reports false when the request is no longer in an open state.
	Transition(ctx context.Context, id int64, next models.State) (bool, error)
	// StartBuilding moves a REQUESTED request to BUILDING.
	// It reports false when the request was no longer REQUESTED.
	StartBuilding(ctx context.Context, id int64) (bool, error)
	// ListByState returns every request in state, oldest first.
	ListByState(ctx context.Context, state models.State) ([]*models.Request, error)
	// List returns a page of requests, newest first.
	List(ctx context.Context, page Page) ([]*models.Request, error)
	// Count returns the number of requests.
	Count(ctx context.Context) (int, error)
}

// BuildStore defines operations for builds.
type BuildStore interface {
	// Create inserts a new build.
	Create(ctx context.Context, build *models.Build) error
	// Get retrieves a build by ID.
	Get(ctx context.Context, id int64) (*models.Build, error)
	// State returns the current state of a build.
	State(ctx context.Context, id int64) (models.State, error)
	// Transition moves an open build to a terminal state.
	// It reports false when the build had already reached a terminal state.
	Transition(ctx context.Context, id int64, next models.State) (bool, error)
	// AbortOpen aborts every open build of a request and returns how many changed.
	AbortOpen(ctx context.Context, requestID int64) (int, error)
	// ListInProgress returns every BUILDING build.
	ListInProgress(ctx context.Context) ([]*models.Build, error)
	// ListByRequest returns the builds of a request ordered by ID.
	ListByRequest(ctx context.Context, requestID int64) ([]*models.Build, error)
	// ListByIDs returns the builds with the given IDs ordered by ID.
	ListByIDs(ctx context.Context, ids []int64) ([]*models.Build, error)
	// List returns a page of builds, newest first.
	List(ctx context.Context, page Page) ([]*models.Build, error)
	// Count returns the number of builds.
	Count(ctx context.Context) (int, error)
}

// ServerStore defines operations for scheduler and worker registrations.
type ServerStore interface {
	// Register creates or replaces the server row with status and a fresh heartbeat.
	Register(ctx context.Context, id int64, status models.ServerStatus) error
	// Heartbeat refreshes the heartbeat. It returns ErrNotFound when the row is gone.
	Heartbeat(ctx context.Context, id int64) error
	// SetStatus updates the status. It returns ErrNotFound when the row is gone.
	SetStatus(ctx context.Context, id int64, status models.ServerStatus) error
	// Get retrieves a server by ID.
	Get(ctx context.Context, id int64) (*models.Server, error)
	// IsOffline reports whether the server is OFFLINE, missing, or has not
	// sent a heartbeat within timeout, judged by the store's clock.
	IsOffline(ctx context.Context, id int64, timeout time.Duration) (bool, error)
	// List retrieves every server ordered by ID.
	List(ctx context.Context) ([]*models.Server, error)
}

// LogFilter narrows a log listing. Zero values do not filter.
type LogFilter struct {
	ServerID *int64
	BuildID  *int64
	// Severities restricts the listing to these severity names.
	Severities []string
	Limit      int
}

// LogStore defines operations for the persisted event log.
type LogStore interface {
	// Create appends a log entry.
	Create(ctx context.Context, entry *models.LogEntry) error
	// List returns matching entries, oldest first.
	List(ctx context.Context, filter LogFilter) ([]*models.LogEntry, error)
	// DeleteBefore removes entries created before t and returns how many were removed.
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Projects returns the ProjectStore.
	Projects() ProjectStore
	// Requests returns the RequestStore.
	Requests() RequestStore
	// Builds returns the BuildStore.
	Builds() BuildStore
	// Servers returns the ServerStore.
	Servers() ServerStore
	// Logs returns the LogStore.
	Logs() LogStore
	// WithTx executes fn within a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Store) error) error
	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases the store's resources.
	Close() error
}
