package models

import "time"

// LogEntry is a persisted event log line of a server, optionally tied to a build.
type LogEntry struct {
	ID        int64     `json:"id"`
	ServerID  int64     `json:"server_id"`
	BuildID   *int64    `json:"build_id,omitempty"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
