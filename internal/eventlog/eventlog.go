// Package eventlog records server and build events with a severity ladder.
// Every entry goes to the process logger; entries at or above the minimum
// severity are also persisted so other processes and the API can read them.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/pkg/logger"
)

// Severity orders log entries from most to least severe.
type Severity int

const (
	Fatal Severity = iota
	Error
	Warn
	Info
	Debug
	Trace
)

var severityNames = []string{"FATAL", "ERROR", "WARN", "INFO", "DEBUG", "TRACE"}

func (s Severity) String() string {
	if s < Fatal || s > Trace {
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
	return severityNames[s]
}

// Level maps the severity onto a slog level.
func (s Severity) Level() slog.Level {
	switch s {
	case Fatal:
		return logger.LevelFatal
	case Error:
		return slog.LevelError
	case Warn:
		return slog.LevelWarn
	case Info:
		return slog.LevelInfo
	case Debug:
		return slog.LevelDebug
	}
	return logger.LevelTrace
}

// ParseSeverity converts a severity name into a Severity.
func ParseSeverity(name string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "WARNING" {
		upper = "WARN"
	}
	for i, n := range severityNames {
		if n == upper {
			return Severity(i), nil
		}
	}
	return Info, fmt.Errorf("unknown severity %q", name)
}

// AtMost returns the names of every severity at least as severe as max.
func AtMost(max Severity) []string {
	if max > Trace {
		max = Trace
	}
	if max < Fatal {
		return nil
	}
	names := make([]string, 0, int(max)+1)
	for s := Fatal; s <= max; s++ {
		names = append(names, s.String())
	}
	return names
}

// Sink persists log entries. store.LogStore satisfies it.
type Sink interface {
	Create(ctx context.Context, entry *models.LogEntry) error
}

// Logger writes events of one server, optionally bound to a build.
type Logger struct {
	sink     Sink
	slog     *slog.Logger
	min      Severity
	serverID int64
	buildID  *int64
	timeout  time.Duration
}

// New creates a Logger for serverID. A nil sink only writes to the process logger.
func New(sink Sink, log *slog.Logger, serverID int64, min Severity) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{
		sink:     sink,
		slog:     log.With("server_id", serverID),
		min:      min,
		serverID: serverID,
		timeout:  5 * time.Second,
	}
}

// Local creates a Logger that is not bound to any server. It writes to the
// process logger only and never persists entries.
func Local(log *slog.Logger, min Severity) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{slog: log, min: min, timeout: 5 * time.Second}
}

// ForBuild returns a Logger whose entries are associated with buildID.
func (l *Logger) ForBuild(buildID int64) *Logger {
	id := buildID
	return &Logger{
		sink:     l.sink,
		slog:     l.slog.With("build_id", buildID),
		min:      l.min,
		serverID: l.serverID,
		buildID:  &id,
		timeout:  l.timeout,
	}
}

// Enabled reports whether entries of severity sev are recorded.
func (l *Logger) Enabled(sev Severity) bool {
	return sev <= l.min
}

// Log records msg with optional key/value pairs. It never fails; a sink
// error is reported to the process logger only.
func (l *Logger) Log(sev Severity, msg string, args ...any) {
	if !l.Enabled(sev) {
		return
	}
	l.slog.Log(context.Background(), sev.Level(), msg, args...)

	if l.sink == nil {
		return
	}

	entry := &models.LogEntry{
		ServerID:  l.serverID,
		BuildID:   l.buildID,
		Severity:  sev.String(),
		Message:   formatMessage(msg, args),
		CreatedAt: time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			l.slog.Debug("event log sink panicked", "panic", r)
		}
	}()
	if err := l.sink.Create(ctx, entry); err != nil {
		l.slog.Debug("persisting event log entry", "error", err)
	}
}

func (l *Logger) Fatal(msg string, args ...any) { l.Log(Fatal, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.Log(Error, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.Log(Warn, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.Log(Info, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.Log(Debug, msg, args...) }
func (l *Logger) Trace(msg string, args ...any) { l.Log(Trace, msg, args...) }

// formatMessage renders slog style key/value pairs after the message.
func formatMessage(msg string, args []any) string {
	if len(args) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		b.WriteByte(' ')
		if i+1 >= len(args) {
			fmt.Fprintf(&b, "%v", args[i])
			break
		}
		fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
	}
	return b.String()
}
