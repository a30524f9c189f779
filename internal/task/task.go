// Package task provides a cancellable unit of asynchronous work with at most
// one instance in flight and a completion callback.
package task

import (
	"context"
	"fmt"
	"sync"
)

// Kind tells how a task instance ended.
type Kind int

const (
	// Completed means the function returned normally.
	Completed Kind = iota
	// Canceled means Cancel was called, or the parent context ended, before the function returned.
	Canceled
	// Failed means the function returned an error.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the tagged result handed to the done callback.
type Outcome[R any] struct {
	Kind  Kind
	Value R
	Err   error
}

// Func is the work wrapped by a Task.
type Func[A, R any] func(ctx context.Context, arg A) (R, error)

// DoneFunc receives the outcome of a task instance and the argument it was started with.
type DoneFunc[A, R any] func(out Outcome[R], arg A)

// Task runs at most one instance of fn at a time.
type Task[A, R any] struct {
	parent context.Context
	fn     Func[A, R]
	done   DoneFunc[A, R]

	mu       sync.Mutex
	cancel   context.CancelFunc
	finished chan struct{}
}

// New creates a task whose instances derive their context from parent.
// done may be nil.
func New[A, R any](parent context.Context, fn Func[A, R], done DoneFunc[A, R]) *Task[A, R] {
	if parent == nil {
		parent = context.Background()
	}
	return &Task[A, R]{
		parent: parent,
		fn:     fn,
		done:   done,
	}
}

// Start spawns fn(arg) unless an instance is already running.
// It reports whether a new instance was started.
func (t *Task[A, R]) Start(arg A) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished != nil {
		return false
	}

	ctx, cancel := context.WithCancel(t.parent)
	finished := make(chan struct{})
	t.cancel = cancel
	t.finished = finished

	go t.run(ctx, arg, finished)
	return true
}

func (t *Task[A, R]) run(ctx context.Context, arg A, finished chan struct{}) {
	defer func() {
		t.mu.Lock()
		t.cancel()
		t.cancel = nil
		t.finished = nil
		t.mu.Unlock()
		close(finished)
	}()

	value, err := t.fn(ctx, arg)

	var out Outcome[R]
	switch {
	case ctx.Err() != nil:
		out = Outcome[R]{Kind: Canceled, Err: ctx.Err()}
	case err != nil:
		out = Outcome[R]{Kind: Failed, Err: err}
	default:
		out = Outcome[R]{Kind: Completed, Value: value}
	}

	if t.done != nil {
		t.done(out, arg)
	}
}

// Running reports whether an instance is in flight. An instance counts as
// running until its done callback has returned.
func (t *Task[A, R]) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished != nil
}

// Cancel signals the running instance and blocks until it and its done
// callback have returned. It returns immediately when nothing is running.
// Cancel must not be called from the task's own done callback.
func (t *Task[A, R]) Cancel() {
	t.mu.Lock()
	cancel, finished := t.cancel, t.finished
	t.mu.Unlock()

	if finished == nil {
		return
	}
	cancel()
	<-finished
}
