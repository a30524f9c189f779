// Package queue provides the build claim interface and implementations.
package queue

import (
	"context"
	"errors"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// ErrNoBuilds is returned when no REQUESTED build is available to claim.
var ErrNoBuilds = errors.New("no builds available")

// Queue hands REQUESTED builds to workers.
type Queue interface {
	// Claim atomically takes the oldest REQUESTED build, skipping rows
	// another claimant holds, and stamps it BUILDING with workerID.
	// Returns ErrNoBuilds if nothing is available.
	Claim(ctx context.Context, workerID int64) (*models.Build, error)

	// Pending returns the number of builds waiting to be claimed.
	Pending(ctx context.Context) (int, error)
}
