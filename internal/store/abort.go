package store

import (
	"context"

	"github.com/narvanalabs/buildfarm/internal/models"
)

// AbortRequest moves an open request and its open builds to ABORTED in one
// transaction. It reports false when the request was already terminal, and
// ErrNotFound when it does not exist.
func AbortRequest(ctx context.Context, s Store, id int64) (bool, error) {
	var aborted bool
	err := s.WithTx(ctx, func(tx Store) error {
		var err error
		aborted, err = tx.Requests().Transition(ctx, id, models.StateAborted)
		if err != nil {
			return err
		}
		if !aborted {
			_, err = tx.Requests().State(ctx, id)
			return err
		}
		_, err = tx.Builds().AbortOpen(ctx, id)
		return err
	})
	return aborted, err
}
