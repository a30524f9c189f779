package models

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

// genState generates a random State.
func genState() gopter.Gen {
	return gen.OneConstOf(StateRequested, StateBuilding, StateSucceeded, StateFailed, StateAborted)
}

// genServerStatus generates a random ServerStatus.
func genServerStatus() gopter.Gen {
	return gen.OneConstOf(ServerStatusIdle, ServerStatusBusy, ServerStatusOffline)
}

// genBuildConfig generates a BuildConfig with an optional output file.
func genBuildConfig() gopter.Gen {
	return gopter.CombineGens(
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
		gen.AlphaString(),
	).Map(func(vals []interface{}) BuildConfig {
		return BuildConfig{
			Name:        vals[0].(string),
			BuildScript: vals[1].(string) + ".py",
			WorkDir:     vals[2].(string),
			OutputFile:  vals[3].(string),
		}
	})
}

func TestTerminalStatesAreNeverLeft(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("terminal states allow no transition", prop.ForAll(
		func(from, to State) bool {
			if from.IsTerminal() {
				return !from.CanTransition(to)
			}
			return true
		},
		genState(), genState(),
	))

	properties.Property("open and terminal partition the states", prop.ForAll(
		func(s State) bool {
			return s.IsOpen() != s.IsTerminal()
		},
		genState(),
	))

	properties.Property("nothing moves back to REQUESTED", prop.ForAll(
		func(from State) bool {
			return !from.CanTransition(StateRequested)
		},
		genState(),
	))

	properties.TestingRun(t)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateRequested, StateBuilding, true},
		{StateRequested, StateAborted, true},
		{StateBuilding, StateSucceeded, true},
		{StateBuilding, StateFailed, true},
		{StateBuilding, StateAborted, true},
		{StateBuilding, StateBuilding, false},
		{StateAborted, StateFailed, false},
		{StateSucceeded, StateAborted, false},
		{StateBuilding, State("QUEUED"), false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	if _, err := ParseState("building"); err == nil {
		t.Error("expected lower case state to be rejected")
	}
	if s, err := ParseState("ABORTED"); err != nil || s != StateAborted {
		t.Errorf("ParseState(ABORTED) = %q, %v", s, err)
	}
}

func TestNewBuildOutputFile(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	project := &Project{ID: 7, Name: "farm", RemoteURL: "https://example.com/farm.git"}

	properties.Property("output file is copied only for build requests", prop.ForAll(
		func(cfg BuildConfig, integration bool) bool {
			req := &Request{ID: 3, ProjectID: 7, Integration: integration, SourceBranch: "feature"}
			if integration {
				req.TargetBranch = "main"
			}
			b := NewBuild(req, project, cfg)
			if b.State != StateRequested || b.WorkerID != nil {
				return false
			}
			if b.RemoteURL != project.RemoteURL || b.SourceBranch != "feature" || b.RequestID != 3 {
				return false
			}
			if integration {
				return b.OutputFile == ""
			}
			return b.OutputFile == cfg.OutputFile
		},
		genBuildConfig(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestServerIsOffline(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	timeout := 30 * time.Second

	properties.Property("offline iff status OFFLINE or heartbeat older than timeout", prop.ForAll(
		func(status ServerStatus, ageSeconds int) bool {
			s := &Server{ID: 4, Status: status, Heartbeat: now.Add(-time.Duration(ageSeconds) * time.Second)}
			want := status == ServerStatusOffline || time.Duration(ageSeconds)*time.Second > timeout
			return s.IsOffline(now, timeout) == want
		},
		genServerStatus(), gen.IntRange(0, 120),
	))

	properties.TestingRun(t)

	var missing *Server
	if !missing.IsOffline(now, timeout) {
		t.Error("a missing server row must count as offline")
	}
}

func TestAllSucceeded(t *testing.T) {
	if !AllSucceeded(nil) {
		t.Error("no builds should count as all succeeded")
	}
	builds := []*Build{{State: StateSucceeded}, {State: StateFailed}}
	if AllSucceeded(builds) {
		t.Error("a failed build must not count as succeeded")
	}
	if AnyOpen(builds) {
		t.Error("terminal builds are not open")
	}
	builds = append(builds, &Build{State: StateBuilding})
	if !AnyOpen(builds) {
		t.Error("a BUILDING build is open")
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"build request", Request{SourceBranch: "feature"}, false},
		{"integration request", Request{Integration: true, SourceBranch: "feature", TargetBranch: "main"}, false},
		{"missing source", Request{}, true},
		{"integration without target", Request{Integration: true, SourceBranch: "feature"}, true},
		{"target without integration", Request{SourceBranch: "feature", TargetBranch: "main"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProjectValidate(t *testing.T) {
	p := &Project{Name: "farm", RemoteURL: "git@example.com:farm.git", Configs: []BuildConfig{
		{Name: "linux", BuildScript: "ci/build.py"},
		{Name: "linux", BuildScript: "ci/build.py"},
	}}
	if err := p.Validate(); err == nil {
		t.Error("expected duplicate config names to be rejected")
	}
	p.Configs = p.Configs[:1]
	if err := p.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDispatchKey(t *testing.T) {
	a := &Request{ID: 1, ProjectID: 7, Integration: true, SourceBranch: "feature/a", TargetBranch: "main"}
	b := &Request{ID: 2, ProjectID: 7, Integration: true, SourceBranch: "feature/b", TargetBranch: "main"}
	c := &Request{ID: 3, ProjectID: 7, Integration: true, SourceBranch: "feature/c", TargetBranch: "release"}
	d := &Request{ID: 4, ProjectID: 7, SourceBranch: "main"}
	e := &Request{ID: 5, ProjectID: 7, SourceBranch: "main"}

	assert.Equal(t, KeyFor(a), KeyFor(b), "integration requests into one branch share a slot")
	assert.NotEqual(t, KeyFor(a), KeyFor(c))
	assert.NotEqual(t, KeyFor(d), KeyFor(e), "build requests never share a slot")
	assert.NotEqual(t, KeyFor(a), KeyFor(d))
	assert.Equal(t, "7/branch/main", KeyFor(a).String())
	assert.Equal(t, "7/request/4", KeyFor(d).String())
}
