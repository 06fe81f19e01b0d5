package copier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devinshteyn2/pgcopydb/catalog"
)

func neverDone(uint32) bool { return false }

func TestBuildUnitsSortsBySizeDescending(t *testing.T) {
	cat := &catalog.Catalog{
		Tables: []catalog.Table{
			{OID: 1, Namespace: "public", Name: "small", Bytes: 10, Strategy: catalog.CopyWhole},
			{OID: 2, Namespace: "public", Name: "big", Bytes: 1000, Strategy: catalog.CopyWhole},
			{OID: 3, Namespace: "public", Name: "medium", Bytes: 100, Strategy: catalog.CopyWhole},
		},
	}

	units := BuildUnits(cat, 1<<30, neverDone)
	require.Len(t, units, 3)

	// longest-processing-time first
	assert.Equal(t, "big", units[0].Table.Name)
	assert.Equal(t, "medium", units[1].Table.Name)
	assert.Equal(t, "small", units[2].Table.Name)
}

func TestBuildUnitsSkipsDoneTables(t *testing.T) {
	cat := &catalog.Catalog{
		Tables: []catalog.Table{
			{OID: 1, Namespace: "public", Name: "done", Bytes: 10, Strategy: catalog.CopyWhole},
			{OID: 2, Namespace: "public", Name: "todo", Bytes: 10, Strategy: catalog.CopyWhole},
		},
	}

	units := BuildUnits(cat, 1<<30, func(oid uint32) bool { return oid == 1 })
	require.Len(t, units, 1)
	assert.Equal(t, "todo", units[0].Table.Name)
}

func TestCtidRangeUnits(t *testing.T) {
	table := &catalog.Table{
		OID:       1,
		Namespace: "public",
		Name:      "huge",
		Bytes:     3 * (1 << 30),
		RelPages:  300_000,
		Strategy:  catalog.CopyByCtidRange,
	}

	units := tableUnits(table, 1<<30)
	require.Len(t, units, 3)

	assert.Equal(t, int64(0), units[0].StartPage)
	assert.Equal(t, int64(100_000), units[0].EndPage)
	assert.Equal(t, int64(100_000), units[1].StartPage)
	assert.Equal(t, int64(200_000), units[1].EndPage)

	// last range is open-ended
	assert.Equal(t, int64(200_000), units[2].StartPage)
	assert.Equal(t, int64(0), units[2].EndPage)

	for i, u := range units {
		assert.Equal(t, UnitCtidRange, u.Kind)
		assert.Equal(t, i, u.Seq)
		assert.Equal(t, 3, u.Total)
	}
}

func TestCtidRangeFallsBackToWholeTable(t *testing.T) {
	table := &catalog.Table{
		OID: 1, Namespace: "public", Name: "t",
		Bytes: 100, RelPages: 1, Strategy: catalog.CopyByCtidRange,
	}

	units := tableUnits(table, 1<<30)
	require.Len(t, units, 1)
	assert.Equal(t, UnitWholeTable, units[0].Kind)
}

func TestPartitionUnits(t *testing.T) {
	table := &catalog.Table{
		OID: 1, Namespace: "public", Name: "events",
		Strategy: catalog.CopyByPartitionKey,
		Partitions: []catalog.PartitionRef{
			{OID: 10, Namespace: "public", Name: "events_2023"},
			{OID: 11, Namespace: "public", Name: "events_2024"},
		},
	}

	units := tableUnits(table, 1<<30)
	require.Len(t, units, 2)
	assert.Equal(t, UnitPartition, units[0].Kind)
	assert.Equal(t, "events_2023", units[0].Partition.Name)
	assert.Equal(t, "events_2024", units[1].Partition.Name)
}

func TestUnitSQL(t *testing.T) {
	table := &catalog.Table{
		OID: 1, Namespace: "public", Name: "t",
		Attributes: []catalog.Attribute{
			{Num: 1, Name: "id", TypeName: "integer"},
			{Num: 2, Name: "v", TypeName: "text"},
		},
	}

	t.Run("whole table", func(t *testing.T) {
		unit := Unit{Table: table, Kind: UnitWholeTable}
		assert.Equal(t,
			`COPY "public"."t" ("id", "v") TO STDOUT WITH (FORMAT binary)`,
			unit.SourceSQL())
		assert.Equal(t,
			`COPY "public"."t" ("id", "v") FROM STDIN WITH (FORMAT binary)`,
			unit.TargetSQL())
	})

	t.Run("ctid range", func(t *testing.T) {
		unit := Unit{Table: table, Kind: UnitCtidRange, StartPage: 100, EndPage: 200}
		assert.Equal(t,
			`COPY (SELECT "id", "v" FROM "public"."t" WHERE ctid >= '(100,0)'::tid AND ctid < '(200,0)'::tid) TO STDOUT WITH (FORMAT binary)`,
			unit.SourceSQL())
	})

	t.Run("open-ended ctid range", func(t *testing.T) {
		unit := Unit{Table: table, Kind: UnitCtidRange, StartPage: 200, EndPage: 0}
		assert.Equal(t,
			`COPY (SELECT "id", "v" FROM "public"."t" WHERE ctid >= '(200,0)'::tid) TO STDOUT WITH (FORMAT binary)`,
			unit.SourceSQL())
	})

	t.Run("partition", func(t *testing.T) {
		unit := Unit{
			Table: table, Kind: UnitPartition,
			Partition: &catalog.PartitionRef{Namespace: "public", Name: "t_p1"},
		}
		assert.Equal(t,
			`COPY "public"."t_p1" ("id", "v") TO STDOUT WITH (FORMAT binary)`,
			unit.SourceSQL())
		assert.Equal(t,
			`COPY "public"."t_p1" ("id", "v") FROM STDIN WITH (FORMAT binary)`,
			unit.TargetSQL())
	})
}
