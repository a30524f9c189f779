package projects

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/store/memory"
)

const sample = `
projects:
  - name: app
    remote_url: https://example.com/app.git
    configs:
      - name: linux
        build_script: ci/build.py
        work_dir: .
        output_file: dist/app.tar.gz
      - name: windows
        build_script: ci/build.py
  - name: lib
    remote_url: https://example.com/lib.git
`

func TestParse(t *testing.T) {
	projects, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, projects, 2)

	assert.Equal(t, "app", projects[0].Name)
	assert.Equal(t, []models.BuildConfig{
		{Name: "linux", BuildScript: "ci/build.py", WorkDir: ".", OutputFile: "dist/app.tar.gz"},
		{Name: "windows", BuildScript: "ci/build.py"},
	}, projects[0].Configs)
	assert.Empty(t, projects[1].Configs)
}

func TestParseEmpty(t *testing.T) {
	projects, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "projects:\n  - name: a\n    remote_url: u\n    branch: main\n",
		"missing url":      "projects:\n  - name: a\n",
		"duplicate name":   "projects:\n  - name: a\n    remote_url: u\n  - name: a\n    remote_url: v\n",
		"duplicate config": "projects:\n  - name: a\n    remote_url: u\n    configs:\n      - {name: c, build_script: b}\n      - {name: c, build_script: b}\n",
		"missing script":   "projects:\n  - name: a\n    remote_url: u\n    configs:\n      - {name: c}\n",
		"not yaml":         "projects: [",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	projects, err := Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	s := memory.New()
	logger := slog.New(slog.DiscardHandler)
	require.NoError(t, Sync(ctx, s, projects, logger))

	app, err := s.Projects().GetByName(ctx, "app")
	require.NoError(t, err)
	assert.Len(t, app.Configs, 2)

	// A second sync replaces configs but keeps the project's id.
	projects[0].Configs = projects[0].Configs[:1]
	projects[0].ID = 0
	require.NoError(t, Sync(ctx, s, projects, logger))

	again, err := s.Projects().GetByName(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, app.ID, again.ID)
	assert.Len(t, again.Configs, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
