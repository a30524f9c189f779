package git

import (
	"fmt"
	"regexp"
	"strings"
)

// submoduleInitLine matches "Submodule 'name' (url) registered for path 'path'".
var submoduleInitLine = regexp.MustCompile(`'([^']*)'\s*\(([^)]*)\).*?'([^']*)'`)

// ParseSubmoduleInit parses `git submodule init` output into submodules keyed by path.
// Lines that do not describe a registration are ignored.
func ParseSubmoduleInit(out string) map[string]Submodule {
	result := make(map[string]Submodule)
	for _, line := range strings.Split(out, "\n") {
		m := submoduleInitLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		result[m[3]] = Submodule{Name: m[1], URL: m[2], Path: m[3]}
	}
	return result
}

// ParseSubmoduleStatus parses `git submodule status --cached` output into
// pinned commits keyed by path. Every line starts with a one character
// status flag followed by the sha and the path.
func ParseSubmoduleStatus(out string) (map[string]string, error) {
	result := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line[1:])
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed submodule status line %q", line)
		}
		result[fields[1]] = fields[0]
	}
	return result, nil
}
