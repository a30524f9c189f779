package models

import (
	"errors"
	"time"
)

// Request is a user submitted integration or build request against one project.
type Request struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"project_id"`
	Integration  bool      `json:"integration"`
	SourceBranch string    `json:"source_branch"`
	TargetBranch string    `json:"target_branch,omitempty"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsOpen reports whether the request has not reached a terminal state.
func (r *Request) IsOpen() bool {
	return r.State.IsOpen()
}

// Validate checks the branch fields of a new request.
func (r *Request) Validate() error {
	if r.SourceBranch == "" {
		return errors.New("source_branch is required")
	}
	if r.Integration && r.TargetBranch == "" {
		return errors.New("target_branch is required for integration requests")
	}
	if !r.Integration && r.TargetBranch != "" {
		return errors.New("target_branch is only allowed for integration requests")
	}
	return nil
}
