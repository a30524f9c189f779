// Package projects loads project definitions from a YAML file and syncs
// them into the store.
//
//	projects:
//	  - name: app
//	    remote_url: https://example.com/app.git
//	    configs:
//	      - name: linux
//	        build_script: ci/build.py
//	        work_dir: .
//	        output_file: dist/app.tar.gz
package projects

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store"
)

type file struct {
	Projects []*models.Project `yaml:"projects"`
}

// Parse decodes and validates a project file. Unknown keys are rejected so
// that typos do not silently drop a setting.
func Parse(r io.Reader) ([]*models.Project, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse projects: %w", err)
	}

	seen := make(map[string]bool, len(f.Projects))
	for i, p := range f.Projects {
		if p == nil {
			return nil, fmt.Errorf("project %d is empty", i)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate project %q", p.Name)
		}
		seen[p.Name] = true
	}
	return f.Projects, nil
}

// Load reads the project file at path.
func Load(path string) ([]*models.Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Sync saves every project by name in a single transaction. Existing
// projects keep their id and get their configs replaced; projects missing
// from the list are left alone.
func Sync(ctx context.Context, s store.Store, projects []*models.Project, logger *slog.Logger) error {
	return s.WithTx(ctx, func(tx store.Store) error {
		for _, p := range projects {
			if err := tx.Projects().Save(ctx, p); err != nil {
				return fmt.Errorf("saving project %s: %w", p.Name, err)
			}
			logger.Info("project synced", "project", p.Name, "id", p.ID, "configs", len(p.Configs))
		}
		return nil
	})
}
