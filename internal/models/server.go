package models

import "time"

// SchedulerID is the server id reserved for the scheduler.
const SchedulerID int64 = 0

// Server is the registration row of a scheduler or worker process.
type Server struct {
	ID        int64        `json:"id"`
	Status    ServerStatus `json:"status"`
	Heartbeat time.Time    `json:"heartbeat"`
}

// IsOffline reports whether the server should be treated as dead at now.
// A nil server is a deleted row and counts as offline.
func (s *Server) IsOffline(now time.Time, timeout time.Duration) bool {
	if s == nil {
		return true
	}
	if s.Status == ServerStatusOffline {
		return true
	}
	return now.Sub(s.Heartbeat) > timeout
}
