package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters change events using glob patterns
type GlobFilter struct {
	tableGlobs    []glob.Glob
	databaseGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything.
func NewGlobFilter(tablePatterns, dbPatterns []string) (*GlobFilter, error) {
	tables, err := compileGlobs("table", tablePatterns)
	if err != nil {
		return nil, err
	}
	databases, err := compileGlobs("database", dbPatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{tableGlobs: tables, databaseGlobs: databases}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Match returns true if both the database and the table match
func (f *GlobFilter) Match(database, table string) bool {
	return matchAny(f.databaseGlobs, database) && matchAny(f.tableGlobs, table)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
