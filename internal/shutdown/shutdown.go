// Package shutdown stops a process's components in reverse order of
// registration when SIGINT or SIGTERM arrives.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// Component is something that can be stopped within a deadline.
type Component interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// Coordinator shuts registered components down last-in first-out, so a
// component is stopped before anything it was built on top of.
type Coordinator struct {
	mu         sync.Mutex
	components []Component
	timeout    time.Duration
	logger     *slog.Logger

	// signalCh replaces the OS signal channel in tests.
	signalCh chan os.Signal

	once     sync.Once
	done     chan struct{}
	exitCode int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown deadline shared by all components.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel makes the coordinator listen on ch instead of the OS.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a coordinator with no components.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component. Later registrations shut down first.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives or ctx is done, then
// shuts everything down.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		c.logger.Info("context done, shutting down")
	}
	c.Shutdown()
}

// Shutdown stops every component once. A component error is logged and
// does not stop the sequence; running out of time does, and sets the exit
// code to 1.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		defer close(c.done)
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			if ctx.Err() != nil {
				c.logger.Warn("shutdown timeout exceeded, skipping component", "name", comp.Name())
				c.exitCode = 1
				continue
			}
			c.logger.Info("shutting down component", "name", comp.Name())
			if err := comp.Shutdown(ctx); err != nil {
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				if ctx.Err() != nil {
					c.exitCode = 1
				}
				continue
			}
			c.logger.Info("component shutdown complete", "name", comp.Name())
		}
		if c.exitCode == 0 {
			c.logger.Info("all components shut down")
		}
	})
}

// Wait blocks until Shutdown has finished.
func (c *Coordinator) Wait() {
	<-c.done
}

// ExitCode is 0 after a clean shutdown and 1 when the deadline was hit.
func (c *Coordinator) ExitCode() int {
	<-c.done
	return c.exitCode
}
