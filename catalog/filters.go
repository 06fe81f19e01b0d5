package catalog

import "github.com/devinshteyn2/pgcopydb/config"

// SchemaIncluded applies the two schema-level clauses.
func SchemaIncluded(filters config.FilterConfig, namespace string) bool {
	if len(filters.IncludeOnlySchemas) > 0 {
		found := false
		for _, s := range filters.IncludeOnlySchemas {
			if s == namespace {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, s := range filters.ExcludeSchemas {
		if s == namespace {
			return false
		}
	}

	return true
}

// TableIncluded reports whether the table passes all four filter clauses:
// include-only-schema, exclude-schema, include-only-table, exclude-table.
func TableIncluded(filters config.FilterConfig, namespace, name string) bool {
	if !SchemaIncluded(filters, namespace) {
		return false
	}

	if len(filters.IncludeOnlyTables) > 0 {
		found := false
		for _, t := range filters.IncludeOnlyTables {
			if t.Schema == namespace && t.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, t := range filters.ExcludeTables {
		if t.Schema == namespace && t.Name == name {
			return false
		}
	}

	return true
}
