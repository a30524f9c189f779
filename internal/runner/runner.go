// Package runner executes external commands in their own process group and
// guarantees the whole group is gone when the caller cancels.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/narvanalabs/buildfarm/internal/eventlog"
)

// DefaultGracePeriod is how long a canceled command may take to exit after SIGTERM.
const DefaultGracePeriod = 10 * time.Second

// Command describes one process invocation.
type Command struct {
	// Args is the argv of the process; Args[0] is looked up in PATH.
	Args []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env replaces the environment when non-nil.
	Env []string
	// Output receives stdout and stderr instead of the capture buffer.
	Output io.Writer
}

// Runner runs commands.
type Runner interface {
	// Run executes cmd and returns its merged output. A non-zero exit is
	// reported as *ProcessError; cancellation is reported as ctx.Err().
	Run(ctx context.Context, cmd Command) (string, error)
}

// ProcessError is returned when a command exits with a non-zero code.
type ProcessError struct {
	Args   []string
	Code   int
	Output string
}

// Error implements the error interface.
func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: exit code %d", strings.Join(e.Args, " "), e.Code)
}

// IsProcessError checks if an error is a ProcessError.
func IsProcessError(err error) bool {
	var perr *ProcessError
	return errors.As(err, &perr)
}

// AsProcessError extracts a ProcessError from an error chain.
func AsProcessError(err error) (*ProcessError, bool) {
	var perr *ProcessError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// Exec runs commands as local child processes.
type Exec struct {
	log   *eventlog.Logger
	grace time.Duration
}

// New creates an Exec that logs through log. A non-positive grace uses DefaultGracePeriod.
func New(log *eventlog.Logger, grace time.Duration) *Exec {
	if log == nil {
		log = eventlog.Local(nil, eventlog.Info)
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Exec{log: log, grace: grace}
}

// WithLogger returns a copy of e that logs through log.
func (e *Exec) WithLogger(log *eventlog.Logger) *Exec {
	return &Exec{log: log, grace: e.grace}
}

// Run executes c and waits for it to exit.
func (e *Exec) Run(ctx context.Context, c Command) (string, error) {
	if len(c.Args) == 0 {
		return "", errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cmdline := strings.Join(c.Args, " ")
	e.log.Debug("running command", "cmd", cmdline, "cwd", c.Dir)

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.WaitDelay = e.grace
	setProcessGroup(cmd)

	var captured *lineWriter
	if c.Output != nil {
		cmd.Stdout = c.Output
		cmd.Stderr = c.Output
	} else {
		captured = &lineWriter{log: e.log}
		cmd.Stdout = captured
		cmd.Stderr = captured
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", c.Args[0], err)
	}
	pid := cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-waitCh:
		// Background children outliving the script are not part of the build.
		killGroup(pid)
	case <-ctx.Done():
		e.terminate(cmdline, pid, waitCh)
		captured.flush()
		return "", ctx.Err()
	}

	captured.flush()
	output := captured.String()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return output, fmt.Errorf("waiting for %s: %w", c.Args[0], waitErr)
		}
		code := exitErr.ExitCode()
		e.log.Debug("command exited", "cmd", cmdline, "code", code)
		return output, &ProcessError{Args: c.Args, Code: code, Output: output}
	}

	e.log.Debug("command exited", "cmd", cmdline, "code", 0)
	return output, nil
}

// terminate stops the process group of pid: SIGTERM, up to the grace period,
// then SIGKILL. It returns once the child has been reaped.
func (e *Exec) terminate(cmdline string, pid int, waitCh <-chan error) {
	e.log.Debug("terminating command", "cmd", cmdline, "pid", pid)
	if err := signalGroup(pid, sigTerm); err != nil {
		e.log.Debug("signalling process group", "pid", pid, "error", err)
	}

	timer := time.NewTimer(e.grace)
	defer timer.Stop()

	select {
	case <-waitCh:
		killGroup(pid)
		return
	case <-timer.C:
	}

	e.log.Warn("command ignored SIGTERM, killing", "cmd", cmdline, "grace", e.grace)
	killGroup(pid)
	<-waitCh
}

// lineWriter captures output and traces it line by line.
type lineWriter struct {
	log     *eventlog.Logger
	out     bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.out.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.log.Trace(string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w == nil || len(w.partial) == 0 {
		return
	}
	w.log.Trace(string(w.partial))
	w.partial = nil
}

func (w *lineWriter) String() string {
	if w == nil {
		return ""
	}
	return w.out.String()
}
