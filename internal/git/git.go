// Package git drives the git command line against an explicit git dir and
// work tree pair.
package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/narvanalabs/buildfarm/internal/runner"
)

// DefaultRemote is the remote every prepared module fetches from.
const DefaultRemote = "origin"

// Submodule is a submodule registered by InitSubmodules.
type Submodule struct {
	Name string
	Path string
	URL  string
	SHA  string
}

// Repo runs git commands for one module.
type Repo struct {
	GitDir   string
	WorkTree string
	run      runner.Runner
}

// NewRepo creates a Repo. gitDir and workTree should be absolute because
// submodule commands run from inside the work tree.
func NewRepo(gitDir, workTree string, r runner.Runner) *Repo {
	return &Repo{GitDir: gitDir, WorkTree: workTree, run: r}
}

func (r *Repo) git(ctx context.Context, dir string, args ...string) (string, error) {
	argv := make([]string, 0, len(args)+5)
	argv = append(argv, "git", "--git-dir", r.GitDir, "--work-tree", r.WorkTree)
	argv = append(argv, args...)
	return r.run.Run(ctx, runner.Command{Args: argv, Dir: dir})
}

// InitOrUpdate initializes the repository if needed and points remote at url.
// The remote is only touched when it is missing or its URL differs.
func (r *Repo) InitOrUpdate(ctx context.Context, remote, url string) error {
	remotes := map[string]string{}

	_, err := os.Stat(filepath.Join(r.GitDir, "config"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if _, err := r.git(ctx, "", "init", "--quiet"); err != nil {
			return fmt.Errorf("initializing repository: %w", err)
		}
	case err != nil:
		return fmt.Errorf("checking repository config: %w", err)
	default:
		remotes, err = r.Remotes(ctx)
		if err != nil {
			return err
		}
	}

	current, ok := remotes[remote]
	switch {
	case !ok:
		if _, err := r.git(ctx, "", "remote", "add", remote, url); err != nil {
			return fmt.Errorf("adding remote %s: %w", remote, err)
		}
	case current != url:
		if _, err := r.git(ctx, "", "remote", "set-url", remote, url); err != nil {
			return fmt.Errorf("updating remote %s: %w", remote, err)
		}
	}
	return nil
}

// Remotes returns the fetch URL of every configured remote.
func (r *Repo) Remotes(ctx context.Context) (map[string]string, error) {
	out, err := r.git(ctx, "", "remote", "-v")
	if err != nil {
		return nil, fmt.Errorf("listing remotes: %w", err)
	}
	return parseRemotes(out), nil
}

func parseRemotes(out string) map[string]string {
	remotes := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if len(fields) >= 3 && fields[2] != "(fetch)" {
			continue
		}
		remotes[fields[0]] = fields[1]
	}
	return remotes
}

// Fetch force fetches refspec from remote without tags, pruning stale refs.
// An empty recurse means "no".
func (r *Repo) Fetch(ctx context.Context, remote, refspec, recurse string) error {
	if recurse == "" {
		recurse = "no"
	}
	_, err := r.git(ctx, "", "fetch", "-fnpP", "--recurse-submodules="+recurse, remote, refspec)
	if err != nil {
		return fmt.Errorf("fetching %s from %s: %w", refspec, remote, err)
	}
	return nil
}

// Checkout force checks out ref with a detached HEAD.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	if _, err := r.git(ctx, "", "checkout", "--force", "--detach", ref); err != nil {
		return fmt.Errorf("checking out %s: %w", ref, err)
	}
	return nil
}

// Clean removes every untracked and ignored file from the work tree,
// including nested repositories.
func (r *Repo) Clean(ctx context.Context) error {
	if _, err := r.git(ctx, "", "clean", "-dffqx"); err != nil {
		return fmt.Errorf("cleaning work tree: %w", err)
	}
	return nil
}

// InitSubmodules drops stale submodule registrations, registers the ones
// declared by the checked out commit and returns them keyed by path.
func (r *Repo) InitSubmodules(ctx context.Context) (map[string]Submodule, error) {
	if err := r.unregisterSubmodules(ctx); err != nil {
		return nil, err
	}

	initOut, err := r.git(ctx, r.WorkTree, "submodule", "init")
	if err != nil {
		return nil, fmt.Errorf("initializing submodules: %w", err)
	}
	statusOut, err := r.git(ctx, r.WorkTree, "submodule", "status", "--cached")
	if err != nil {
		return nil, fmt.Errorf("reading submodule status: %w", err)
	}

	registered := ParseSubmoduleInit(initOut)
	shas, err := ParseSubmoduleStatus(statusOut)
	if err != nil {
		return nil, err
	}

	result := make(map[string]Submodule, len(shas))
	for path, sha := range shas {
		sm, ok := registered[path]
		if !ok {
			return nil, fmt.Errorf("submodule %s has no registered url", path)
		}
		sm.SHA = sha
		result[path] = sm
	}
	return result, nil
}

func (r *Repo) unregisterSubmodules(ctx context.Context) error {
	out, err := r.git(ctx, "", "config", "--local", "--name-only", "--list")
	if err != nil {
		return fmt.Errorf("listing config: %w", err)
	}

	seen := make(map[string]bool)
	var keys []string
	for _, line := range strings.Split(out, "\n") {
		key := strings.TrimSpace(line)
		if !strings.HasPrefix(key, "submodule.") || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, err := r.git(ctx, "", "config", "--local", "--unset-all", key); err != nil {
			return fmt.Errorf("unsetting %s: %w", key, err)
		}
	}
	return nil
}
