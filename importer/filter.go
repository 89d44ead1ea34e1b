package importer

import (
	"fmt"

	"github.com/gobwas/glob"
)

// TableFilter matches table names against glob patterns.
// No patterns means every table matches.
type TableFilter struct {
	globs []glob.Glob
}

// NewTableFilter compiles the given patterns.
func NewTableFilter(patterns []string) (*TableFilter, error) {
	filter := &TableFilter{
		globs: make([]glob.Glob, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}

	return filter, nil
}

// Match returns true if the table matches the configured patterns.
func (f *TableFilter) Match(table string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}
