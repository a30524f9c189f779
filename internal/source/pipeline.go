// Package source prepares a checked out source tree, including every nested
// submodule, for a build.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/eventlog"
	"github.com/narvanalabs/buildfarm/internal/git"
	"github.com/narvanalabs/buildfarm/internal/runner"
)

// Module is one repository of the tree. GitDir and WorkTree are relative to
// the pipeline's git root and work tree root.
type Module struct {
	GitDir   string
	WorkTree string
	URL      string
	Ref      string
}

// Driver is the set of git operations the pipeline needs for one module.
type Driver interface {
	InitOrUpdate(ctx context.Context, remote, url string) error
	Fetch(ctx context.Context, remote, refspec, recurse string) error
	Checkout(ctx context.Context, ref string) error
	Clean(ctx context.Context) error
	InitSubmodules(ctx context.Context) (map[string]git.Submodule, error)
}

// DriverFactory creates the Driver for a module's absolute git dir and work tree.
type DriverFactory func(gitDir, workTree string) Driver

// Pipeline prepares trees below GitRoot and WorkTreeRoot.
type Pipeline struct {
	GitRoot      string
	WorkTreeRoot string
	newDriver    DriverFactory
	log          *eventlog.Logger
}

// New creates a Pipeline that drives the git command line through r.
func New(gitRoot, workTreeRoot string, r runner.Runner, log *eventlog.Logger) *Pipeline {
	return NewWithDriver(gitRoot, workTreeRoot, func(gitDir, workTree string) Driver {
		return git.NewRepo(gitDir, workTree, r)
	}, log)
}

// NewWithDriver creates a Pipeline with a custom driver factory.
func NewWithDriver(gitRoot, workTreeRoot string, factory DriverFactory, log *eventlog.Logger) *Pipeline {
	if log == nil {
		log = eventlog.Local(nil, eventlog.Info)
	}
	return &Pipeline{
		GitRoot:      gitRoot,
		WorkTreeRoot: workTreeRoot,
		newDriver:    factory,
		log:          log,
	}
}

// FetchRefspec returns the name to fetch for ref: remote tracking refs lose
// their remote prefix, anything else (a branch or a sha) is fetched as is.
func FetchRefspec(ref string) string {
	return strings.TrimPrefix(ref, git.DefaultRemote+"/")
}

// Prepare checks out url at ref and then every submodule breadth first.
// It returns the prepared modules in preparation order. The first failing
// step aborts the whole preparation.
func (p *Pipeline) Prepare(ctx context.Context, url, ref string) ([]Module, error) {
	queue := []Module{{GitDir: ".", WorkTree: ".", URL: url, Ref: ref}}
	var prepared []Module

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return prepared, err
		}

		m := queue[0]
		queue = queue[1:]

		children, err := p.prepareModule(ctx, m)
		if err != nil {
			return prepared, fmt.Errorf("preparing module %s: %w", m.WorkTree, err)
		}
		prepared = append(prepared, m)
		queue = append(queue, children...)
	}

	return prepared, nil
}

func (p *Pipeline) prepareModule(ctx context.Context, m Module) ([]Module, error) {
	gitDir := filepath.Join(p.GitRoot, m.GitDir)
	workTree := filepath.Join(p.WorkTreeRoot, m.WorkTree)

	for _, dir := range []string{gitDir, workTree} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	p.log.Info("preparing module", "path", m.WorkTree, "url", m.URL, "ref", m.Ref)

	d := p.newDriver(gitDir, workTree)
	if err := d.InitOrUpdate(ctx, git.DefaultRemote, m.URL); err != nil {
		return nil, err
	}
	if err := d.Fetch(ctx, git.DefaultRemote, FetchRefspec(m.Ref), "no"); err != nil {
		return nil, err
	}
	if err := d.Checkout(ctx, m.Ref); err != nil {
		return nil, err
	}
	if err := d.Clean(ctx); err != nil {
		return nil, err
	}

	subs, err := d.InitSubmodules(ctx)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(subs))
	for path := range subs {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	children := make([]Module, 0, len(paths))
	for _, path := range paths {
		sm := subs[path]
		children = append(children, Module{
			GitDir:   filepath.Join(m.GitDir, "modules", path),
			WorkTree: filepath.Join(m.WorkTree, path),
			URL:      sm.URL,
			Ref:      sm.SHA,
		})
	}
	return children, nil
}
