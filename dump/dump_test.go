package dump

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

func testDriver(t *testing.T, cfg *config.Config, cat *catalog.Catalog) *Driver {
	t.Helper()

	paths, err := workdir.New(t.TempDir(), "postgres://user@target/app")
	require.NoError(t, err)
	require.NoError(t, paths.Create())

	return NewDriver(cfg, paths, cat)
}

func TestDropTablesSQL(t *testing.T) {
	cat := &catalog.Catalog{
		Tables: []catalog.Table{
			{OID: 1, Namespace: "public", Name: "t1"},
			{OID: 2, Namespace: "public", Name: "t2"},
		},
	}

	assert.Equal(t,
		`DROP TABLE IF EXISTS "public"."t1", "public"."t2" CASCADE`,
		DropTablesSQL(cat))
}

func TestEntryIsFilteredOut(t *testing.T) {
	cfg := &config.Config{
		Filters: config.FilterConfig{
			ExcludeTables:  []config.QualifiedTable{{Schema: "s", Name: "secret"}},
			ExcludeSchemas: []string{"audit"},
		},
	}
	cfg.SetDefault()

	cat := &catalog.Catalog{
		ExcludedOIDs: map[uint32]bool{16390: true, 16391: true},
	}

	driver := testDriver(t, cfg, cat)

	tests := []struct {
		name     string
		entry    ArchiveEntry
		filtered bool
	}{
		{
			name: "excluded table by name",
			entry: ArchiveEntry{
				Desc: "TABLE", ObjectOID: 99, RestoreListName: "s secret owner",
			},
			filtered: true,
		},
		{
			name: "excluded table by recorded oid",
			entry: ArchiveEntry{
				Desc: "INDEX", ObjectOID: 16391, RestoreListName: "s secret_idx owner",
			},
			filtered: true,
		},
		{
			name: "excluded schema object",
			entry: ArchiveEntry{
				Desc: "FUNCTION", ObjectOID: 50, RestoreListName: "audit log_fn() owner",
			},
			filtered: true,
		},
		{
			name: "kept table",
			entry: ArchiveEntry{
				Desc: "TABLE", ObjectOID: 10, RestoreListName: "public t1 owner",
			},
			filtered: false,
		},
		{
			name: "schema entry",
			entry: ArchiveEntry{
				Desc: "SCHEMA", ObjectOID: 11, RestoreListName: "audit owner",
			},
			filtered: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.filtered, driver.entryIsFilteredOut(tt.entry))
		})
	}
}
