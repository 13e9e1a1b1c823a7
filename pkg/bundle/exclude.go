package bundle

import (
	"regexp"
	"strings"
)

// baselineExcludes are always applied when enumerating a project tree:
// dependency caches, VCS metadata, build output, logs and local env files.
var baselineExcludes = []string{
	"node_modules",
	".git",
	".svn",
	".hg",
	"dist",
	"build",
	"target",
	"out",
	"__pycache__",
	".venv",
	"venv",
	"vendor",
	"*.log",
	".env",
	".env.local",
	".DS_Store",
	"Thumbs.db",
}

type excluder struct {
	exact    map[string]bool
	prefixes []string
	globs    []*regexp.Regexp
}

// newExcluder builds match rules from the baseline list plus caller-supplied
// patterns. Rules are checked in order: exact path, directory prefix, then
// *-wildcard glob.
func newExcluder(extra []string) *excluder {
	e := &excluder{exact: make(map[string]bool)}

	patterns := append(append([]string{}, baselineExcludes...), extra...)
	for _, p := range patterns {
		p = strings.TrimSpace(strings.TrimSuffix(p, "/"))
		if p == "" {
			continue
		}
		if strings.Contains(p, "*") {
			if re := globToRegexp(p); re != nil {
				e.globs = append(e.globs, re)
			}
			continue
		}
		e.exact[p] = true
		e.prefixes = append(e.prefixes, p)
	}
	return e
}

// Match reports whether a slash-separated relative path is excluded.
func (e *excluder) Match(relPath string) bool {
	if e.exact[relPath] {
		return true
	}
	for _, prefix := range e.prefixes {
		if relPath == prefix || strings.HasPrefix(relPath, prefix+"/") {
			return true
		}
	}
	for _, re := range e.globs {
		if re.MatchString(relPath) {
			return true
		}
	}
	return false
}

// globToRegexp translates a *-wildcard pattern into a regexp matched against
// any path segment boundary. "*.log" matches "app.log" and "logs/app.log"
// but not "app.logger".
func globToRegexp(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString(`(^|/)`)
	for _, r := range pattern {
		if r == '*' {
			sb.WriteString(`[^/]*`)
		} else {
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString(`$`)

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil
	}
	return re
}
