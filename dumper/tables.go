package dumper

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/ferry/cfg"
)

type tablePattern struct {
	source  string
	pattern glob.Glob
	logical string
}

// TableNameMap maps physical source tables to logical target tables.
// Exact names win over patterns; patterns are tried in rule order.
type TableNameMap struct {
	exact    map[string]string
	patterns []tablePattern
}

func NewTableNameMap(rules []cfg.TableRule) (*TableNameMap, error) {
	m := &TableNameMap{exact: make(map[string]string)}
	for _, rule := range rules {
		if rule.Source == "" {
			return nil, fmt.Errorf("table rule without source")
		}
		logical := rule.Logical
		if logical == "" {
			logical = rule.Source
		}

		if !hasGlobMeta(rule.Source) {
			m.exact[rule.Source] = logical
			continue
		}

		g, err := glob.Compile(rule.Source)
		if err != nil {
			return nil, fmt.Errorf("invalid table pattern %q: %w", rule.Source, err)
		}
		if rule.Logical == "" {
			return nil, fmt.Errorf("table pattern %q needs a logical name", rule.Source)
		}
		m.patterns = append(m.patterns, tablePattern{source: rule.Source, pattern: g, logical: logical})
	}
	return m, nil
}

// TableNameMapOf builds an exact-name map
func TableNameMapOf(names map[string]string) *TableNameMap {
	m := &TableNameMap{exact: make(map[string]string, len(names))}
	for k, v := range names {
		m.exact[k] = v
	}
	return m
}

// Lookup returns the logical name of an actual table
func (m *TableNameMap) Lookup(actual string) (string, bool) {
	if m == nil {
		return "", false
	}
	if logical, ok := m.exact[actual]; ok {
		return logical, true
	}
	for _, p := range m.patterns {
		if p.pattern.Match(actual) {
			return p.logical, true
		}
	}
	return "", false
}

// Filter keeps the tables that have a mapping, preserving order
func (m *TableNameMap) Filter(tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if _, ok := m.Lookup(t); ok {
			out = append(out, t)
		}
	}
	return out
}

func hasGlobMeta(s string) bool {
	for _, c := range s {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
