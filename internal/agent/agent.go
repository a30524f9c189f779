// Package agent drives a scheduler or worker: it connects to the store,
// polls the handler on a fixed interval and reconnects with exponential
// backoff whenever the store goes away.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Handler is a process that reacts to connection changes and polling ticks.
type Handler interface {
	Name() string
	// Connected runs once per successful connection, before the first Update.
	Connected(ctx context.Context) error
	// Update runs every poll interval. An error means the connection is lost.
	Update(ctx context.Context) error
	// Disconnected runs after a failed Update or Connected.
	Disconnected()
	// Shutdown runs once when the process stops.
	Shutdown(ctx context.Context) error
}

// Pinger checks the store connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the loop timings.
type Config struct {
	PollInterval    time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a one second poll with backoff capped at a minute.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Second,
		InitialBackoff:  time.Second,
		MaxBackoff:      time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Run loops until ctx is done, then calls h.Shutdown with a fresh deadline
// and returns its error.
func Run(ctx context.Context, db Pinger, h Handler, cfg Config, logger *slog.Logger) error {
	if cfg.PollInterval <= 0 {
		return errors.New("agent: poll interval must be positive")
	}
	logger = logger.With("handler", h.Name())

	for ctx.Err() == nil {
		if err := connect(ctx, db, h, cfg, logger); err != nil {
			break
		}
		logger.Info("connected")

		err := poll(ctx, h, cfg.PollInterval)
		if ctx.Err() != nil {
			break
		}
		logger.Warn("connection lost", "error", err)
		h.Disconnected()
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down %s: %w", h.Name(), err)
	}
	return nil
}

// connect retries ping and Connected until both succeed or ctx is done.
func connect(ctx context.Context, db Pinger, h Handler, cfg Config, logger *slog.Logger) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = cfg.InitialBackoff
	expBackoff.MaxInterval = cfg.MaxBackoff
	expBackoff.MaxElapsedTime = 0

	operation := func() error {
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("pinging store: %w", err)
		}
		if err := h.Connected(ctx); err != nil {
			h.Disconnected()
			return fmt.Errorf("connecting: %w", err)
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("store unavailable, will retry", "error", err, "retry_in", next)
	}
	return backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify)
}

// poll runs Update immediately and then on every tick until it fails or
// ctx is done.
func poll(ctx context.Context, h Handler, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := h.Update(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
