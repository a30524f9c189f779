package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// ErrIdle is returned by Follow when the artifact stopped growing for
// longer than the idle timeout while the build was still running.
var ErrIdle = errors.New("no new output")

// Follow defaults.
const (
	DefaultPollInterval = time.Second
	DefaultIdleTimeout  = 30 * time.Second
)

// FollowOptions configures Follow.
type FollowOptions struct {
	// Active reports whether the producer may still append. Follow returns
	// once it reports false and the reader is drained.
	Active func(ctx context.Context) bool
	// PollInterval is the wait between reads at end of file.
	PollInterval time.Duration
	// IdleTimeout bounds how long Follow waits without new data.
	IdleTimeout time.Duration
}

// Follow streams r to emit as it grows. Only complete lines are emitted
// while the producer is active; the trailing partial line is flushed when
// it stops. It returns nil when the producer finished, ErrIdle on the idle
// timeout, and the context or emit error otherwise. emit must not retain
// the slice it is given.
func Follow(ctx context.Context, r io.Reader, opts FollowOptions, emit func([]byte) error) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	var pending []byte
	buf := make([]byte, 32*1024)
	lastData := time.Now()

	for {
		n, err := r.Read(buf)
		if n > 0 {
			lastData = time.Now()
			pending = append(pending, buf[:n]...)
			if i := bytes.LastIndexByte(pending, '\n'); i >= 0 {
				if err := emit(pending[:i+1]); err != nil {
					return err
				}
				pending = append(pending[:0], pending[i+1:]...)
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n > 0 {
			continue
		}

		if opts.Active == nil || !opts.Active(ctx) {
			// Drain what was written before the producer stopped.
			rest, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			pending = append(pending, rest...)
			if len(pending) > 0 {
				return emit(pending)
			}
			return nil
		}
		if time.Since(lastData) > opts.IdleTimeout {
			if len(pending) > 0 {
				if err := emit(pending); err != nil {
					return err
				}
			}
			return ErrIdle
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.PollInterval):
		}
	}
}
