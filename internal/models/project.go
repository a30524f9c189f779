package models

import (
	"errors"
	"fmt"
)

// BuildConfig describes one build target of a project.
type BuildConfig struct {
	Name        string `json:"name" yaml:"name"`
	BuildScript string `json:"build_script" yaml:"build_script"`
	WorkDir     string `json:"work_dir" yaml:"work_dir"`
	OutputFile  string `json:"output_file,omitempty" yaml:"output_file,omitempty"`
}

// Project is a source repository with its build targets.
type Project struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name" yaml:"name"`
	RemoteURL string        `json:"remote_url" yaml:"remote_url"`
	Configs   []BuildConfig `json:"configs" yaml:"configs"`
}

// Validate checks that the project can be fanned out into builds.
func (p *Project) Validate() error {
	if p.Name == "" {
		return errors.New("project name is required")
	}
	if p.RemoteURL == "" {
		return fmt.Errorf("project %s: remote_url is required", p.Name)
	}
	seen := make(map[string]bool, len(p.Configs))
	for _, cfg := range p.Configs {
		if cfg.Name == "" {
			return fmt.Errorf("project %s: build config name is required", p.Name)
		}
		if seen[cfg.Name] {
			return fmt.Errorf("project %s: duplicate build config %q", p.Name, cfg.Name)
		}
		seen[cfg.Name] = true
		if cfg.BuildScript == "" {
			return fmt.Errorf("project %s: build config %s: build_script is required", p.Name, cfg.Name)
		}
	}
	return nil
}
