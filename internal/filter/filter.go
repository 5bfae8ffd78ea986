// Package filter decides which archive and bundle members are kept during extraction.
package filter

import (
	"path"
	"path/filepath"
	"strings"
)

// Default exclusions: OS metadata that is never geospatial content.
var (
	defaultDirs  = []string{"__MACOSX"}
	defaultNames = []string{"Thumbs.db", "desktop.ini"}
)

// Filter controls which member paths survive extraction.
type Filter struct {
	excludeDirs     map[string]bool
	excludeNames    map[string]bool
	excludePatterns []string
}

// New creates a Filter with the default exclusions plus the given name patterns.
// Patterns use path.Match syntax and are matched against the base name.
func New(patterns []string) *Filter {
	f := &Filter{
		excludeDirs:  make(map[string]bool),
		excludeNames: make(map[string]bool),
	}
	for _, d := range defaultDirs {
		f.excludeDirs[d] = true
	}
	for _, n := range defaultNames {
		f.excludeNames[strings.ToLower(n)] = true
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			f.excludePatterns = append(f.excludePatterns, p)
			continue
		}
		f.excludeNames[strings.ToLower(p)] = true
	}
	return f
}

// ShouldIncludeMember returns true if the member path passes all exclusions.
// Both archive-style (slash) and OS-style separators are accepted.
func (f *Filter) ShouldIncludeMember(member string) bool {
	member = filepath.ToSlash(member)
	if member == "" || strings.HasSuffix(member, "/") {
		return false
	}

	parts := strings.Split(member, "/")
	for _, dir := range parts[:len(parts)-1] {
		if f.excludeDirs[dir] {
			return false
		}
	}

	base := parts[len(parts)-1]
	if base == "" {
		return false
	}
	if strings.HasPrefix(base, ".") {
		return false
	}
	if f.excludeNames[strings.ToLower(base)] {
		return false
	}
	for _, p := range f.excludePatterns {
		if ok, _ := path.Match(p, base); ok {
			return false
		}
	}
	return true
}

// FilterMembers returns only the members that pass the filter.
func (f *Filter) FilterMembers(members []string) []string {
	filtered := make([]string, 0, len(members))
	for _, m := range members {
		if f.ShouldIncludeMember(m) {
			filtered = append(filtered, m)
		}
	}
	return filtered
}
