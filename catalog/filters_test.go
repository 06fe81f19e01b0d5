package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devinshteyn2/pgcopydb/config"
)

func TestSchemaIncluded(t *testing.T) {
	tests := []struct {
		name      string
		filters   config.FilterConfig
		namespace string
		expected  bool
	}{
		{name: "no filters", namespace: "public", expected: true},
		{
			name:      "include-only hit",
			filters:   config.FilterConfig{IncludeOnlySchemas: []string{"app"}},
			namespace: "app",
			expected:  true,
		},
		{
			name:      "include-only miss",
			filters:   config.FilterConfig{IncludeOnlySchemas: []string{"app"}},
			namespace: "public",
			expected:  false,
		},
		{
			name:      "excluded",
			filters:   config.FilterConfig{ExcludeSchemas: []string{"audit"}},
			namespace: "audit",
			expected:  false,
		},
		{
			name: "included then excluded loses",
			filters: config.FilterConfig{
				IncludeOnlySchemas: []string{"app"},
				ExcludeSchemas:     []string{"app"},
			},
			namespace: "app",
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SchemaIncluded(tt.filters, tt.namespace))
		})
	}
}

func TestTableIncluded(t *testing.T) {
	secret := config.QualifiedTable{Schema: "s", Name: "secret"}

	tests := []struct {
		name     string
		filters  config.FilterConfig
		schema   string
		table    string
		expected bool
	}{
		{name: "no filters", schema: "public", table: "t", expected: true},
		{
			name:     "exclude-table",
			filters:  config.FilterConfig{ExcludeTables: []config.QualifiedTable{secret}},
			schema:   "s",
			table:    "secret",
			expected: false,
		},
		{
			name:     "exclude-table other schema unaffected",
			filters:  config.FilterConfig{ExcludeTables: []config.QualifiedTable{secret}},
			schema:   "public",
			table:    "secret",
			expected: true,
		},
		{
			name:     "include-only-table hit",
			filters:  config.FilterConfig{IncludeOnlyTables: []config.QualifiedTable{secret}},
			schema:   "s",
			table:    "secret",
			expected: true,
		},
		{
			name:     "include-only-table miss",
			filters:  config.FilterConfig{IncludeOnlyTables: []config.QualifiedTable{secret}},
			schema:   "s",
			table:    "other",
			expected: false,
		},
		{
			name: "schema exclusion beats table inclusion",
			filters: config.FilterConfig{
				ExcludeSchemas:    []string{"s"},
				IncludeOnlyTables: []config.QualifiedTable{secret},
			},
			schema:   "s",
			table:    "secret",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TableIncluded(tt.filters, tt.schema, tt.table))
		})
	}
}
