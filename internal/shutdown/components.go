package shutdown

import (
	"context"
	"io"
	"net/http"
)

// HTTPServerComponent stops accepting connections and drains in-flight
// requests.
type HTTPServerComponent struct {
	name   string
	server *http.Server
}

func NewHTTPServerComponent(name string, server *http.Server) *HTTPServerComponent {
	return &HTTPServerComponent{name: name, server: server}
}

func (c *HTTPServerComponent) Name() string { return c.name }

func (c *HTTPServerComponent) Shutdown(ctx context.Context) error {
	return c.server.Shutdown(ctx)
}

// CloserComponent closes a resource such as a database handle.
type CloserComponent struct {
	name   string
	closer io.Closer
}

func NewCloserComponent(name string, closer io.Closer) *CloserComponent {
	return &CloserComponent{name: name, closer: closer}
}

func (c *CloserComponent) Name() string { return c.name }

func (c *CloserComponent) Shutdown(context.Context) error {
	return c.closer.Close()
}

// FuncComponent wraps a shutdown function.
type FuncComponent struct {
	name string
	fn   func(ctx context.Context) error
}

func NewFuncComponent(name string, fn func(ctx context.Context) error) *FuncComponent {
	return &FuncComponent{name: name, fn: fn}
}

func (c *FuncComponent) Name() string { return c.name }

func (c *FuncComponent) Shutdown(ctx context.Context) error {
	return c.fn(ctx)
}

// LoopComponent stops a background loop by canceling its context and
// waiting for it to return. The polling loop of a scheduler or worker
// performs its own orderly shutdown when its context ends, so done closes
// only after that has happened.
type LoopComponent struct {
	name   string
	cancel context.CancelFunc
	done   <-chan struct{}
}

func NewLoopComponent(name string, cancel context.CancelFunc, done <-chan struct{}) *LoopComponent {
	return &LoopComponent{name: name, cancel: cancel, done: done}
}

func (c *LoopComponent) Name() string { return c.name }

func (c *LoopComponent) Shutdown(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
