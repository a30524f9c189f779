package scheduler

import (
	"context"
	"time"
)

// sweepLogs deletes log entries older than retention, immediately and then
// every LogRetentionInterval, until ctx ends.
func (s *Scheduler) sweepLogs(ctx context.Context, retention time.Duration) (struct{}, error) {
	ticker := time.NewTicker(s.cfg.LogRetentionInterval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-retention)
		n, err := s.store.Logs().DeleteBefore(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			s.log.Warn("log retention sweep failed", "error", err)
		case n > 0:
			s.log.Debug("deleted old log entries", "count", n, "before", cutoff.Format(time.RFC3339))
		}

		select {
		case <-ctx.Done():
			return struct{}{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
