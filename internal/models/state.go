// Package models provides data models for the build farm.
package models

import "fmt"

// State is the lifecycle state shared by requests and builds.
type State string

const (
	// StateRequested is the initial state of every request and build.
	StateRequested State = "REQUESTED"
	// StateBuilding means a scheduler task or a worker owns the row.
	StateBuilding State = "BUILDING"
	// StateSucceeded is terminal.
	StateSucceeded State = "SUCCEEDED"
	// StateFailed is terminal.
	StateFailed State = "FAILED"
	// StateAborted is terminal.
	StateAborted State = "ABORTED"
)

// States lists every known state in lifecycle order.
var States = []State{StateRequested, StateBuilding, StateSucceeded, StateFailed, StateAborted}

// OpenStates are the states a row can still leave.
var OpenStates = []State{StateRequested, StateBuilding}

// IsOpen reports whether the state is REQUESTED or BUILDING.
func (s State) IsOpen() bool {
	return s == StateRequested || s == StateBuilding
}

// IsTerminal reports whether the state can never be left again.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateAborted:
		return true
	}
	return false
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether a row in state s may be moved to next.
// Terminal states are never left and a row never moves back to REQUESTED.
func (s State) CanTransition(next State) bool {
	if !s.IsOpen() || !next.Valid() {
		return false
	}
	switch next {
	case StateRequested:
		return false
	case StateBuilding:
		return s == StateRequested
	}
	return true
}

// ParseState converts a string into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown state %q", v)
	}
	return s, nil
}

// ServerStatus represents the self-reported status of a scheduler or worker process.
type ServerStatus string

const (
	ServerStatusIdle    ServerStatus = "IDLE"
	ServerStatusBusy    ServerStatus = "BUSY"
	ServerStatusOffline ServerStatus = "OFFLINE"
)

// Valid reports whether the status is one of the known values.
func (s ServerStatus) Valid() bool {
	switch s {
	case ServerStatusIdle, ServerStatusBusy, ServerStatusOffline:
		return true
	}
	return false
}
