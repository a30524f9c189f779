// Package artifacts manages the per-build result directories: the build.log
// written while a build runs and any output file the build declares.
package artifacts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// BuildLog is the name of the captured build output.
const BuildLog = "build.log"

// ErrInvalidItem is returned for artifact names that would escape the build directory.
var ErrInvalidItem = errors.New("invalid artifact name")

// Store lays out one directory per build id under Root.
type Store struct {
	Root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

// Dir returns the directory of a build.
func (s *Store) Dir(buildID int64) string {
	return filepath.Join(s.Root, strconv.FormatInt(buildID, 10))
}

// Path resolves an artifact of a build. item is a slash-separated path
// relative to the build directory.
func (s *Store) Path(buildID int64, item string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(item))
	if item == "" || clean == "." || filepath.IsAbs(clean) ||
		clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidItem, item)
	}
	return filepath.Join(s.Dir(buildID), clean), nil
}

// CreateLog creates the build directory and truncates its build.log.
func (s *Store) CreateLog(buildID int64) (*os.File, error) {
	dir := s.Dir(buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, BuildLog))
	if err != nil {
		return nil, fmt.Errorf("creating build log: %w", err)
	}
	return f, nil
}

// CopyOutput copies src into the build directory under its base name and
// returns the artifact name. It returns an error wrapping os.ErrNotExist
// when src is missing.
func (s *Store) CopyOutput(buildID int64, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening output file: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", fmt.Errorf("reading output file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("output file %s is a directory", src)
	}

	name := filepath.Base(src)
	if name == BuildLog {
		return "", fmt.Errorf("output file %s would overwrite the build log", src)
	}
	dir := s.Dir(buildID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("creating output copy: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("copying output file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing output copy: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publishing output file: %w", err)
	}
	return name, nil
}

// List returns the artifact names of a build in sorted order.
func (s *Store) List(buildID int64) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(buildID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Open opens an artifact for reading. A missing or non-regular file yields
// an error wrapping os.ErrNotExist.
func (s *Store) Open(buildID int64, item string) (*os.File, error) {
	path, err := s.Path(buildID, item)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%s: %w", item, os.ErrNotExist)
	}
	return f, nil
}
