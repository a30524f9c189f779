package models

import "time"

// Build is one build configuration of a request. The project fields are
// copied at fan-out so later project edits cannot affect in-flight requests.
type Build struct {
	ID           int64      `json:"id"`
	RequestID    int64      `json:"request_id"`
	WorkerID     *int64     `json:"worker_id,omitempty"`
	ConfigName   string     `json:"config_name"`
	ProjectName  string     `json:"project_name"`
	RemoteURL    string     `json:"remote_url"`
	SourceBranch string     `json:"source_branch"`
	BuildScript  string     `json:"build_script"`
	WorkDir      string     `json:"work_dir"`
	OutputFile   string     `json:"output_file,omitempty"`
	State        State      `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// NewBuild denormalizes a project's build config into a new REQUESTED build.
// Output files are only collected for plain build requests.
func NewBuild(req *Request, project *Project, cfg BuildConfig) *Build {
	b := &Build{
		RequestID:    req.ID,
		ConfigName:   cfg.Name,
		ProjectName:  project.Name,
		RemoteURL:    project.RemoteURL,
		SourceBranch: req.SourceBranch,
		BuildScript:  cfg.BuildScript,
		WorkDir:      cfg.WorkDir,
		State:        StateRequested,
	}
	if !req.Integration {
		b.OutputFile = cfg.OutputFile
	}
	return b
}

// IsOpen reports whether the build has not reached a terminal state.
func (b *Build) IsOpen() bool {
	return b.State.IsOpen()
}

// AllSucceeded reports whether every build succeeded. It is true for no builds.
func AllSucceeded(builds []*Build) bool {
	for _, b := range builds {
		if b.State != StateSucceeded {
			return false
		}
	}
	return true
}

// AnyOpen reports whether at least one build is still open.
func AnyOpen(builds []*Build) bool {
	for _, b := range builds {
		if b.IsOpen() {
			return true
		}
	}
	return false
}
