package copier

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
)

// UnitKind says how one copy unit addresses its rows.
type UnitKind string

const (
	UnitWholeTable UnitKind = "whole-table"
	UnitCtidRange  UnitKind = "ctid-range"
	UnitPartition  UnitKind = "partition"
)

// Unit is one schedulable piece of table data: a whole table, one ctid page
// range of a large heap, or one partition of a partitioned table.
type Unit struct {
	Table *catalog.Table
	Kind  UnitKind

	// ctid page range, EndPage == 0 means open-ended
	StartPage int64
	EndPage   int64

	Partition *catalog.PartitionRef

	Seq   int
	Total int
}

func (u *Unit) String() string {
	switch u.Kind {
	case UnitCtidRange:
		return fmt.Sprintf("%s [pages %d..%d]", u.Table.QualifiedName(), u.StartPage, u.EndPage)
	case UnitPartition:
		return fmt.Sprintf("%s partition %s.%s",
			u.Table.QualifiedName(), u.Partition.Namespace, u.Partition.Name)
	default:
		return u.Table.QualifiedName()
	}
}

func (u *Unit) columnList() string {
	names := make([]string, 0, len(u.Table.Attributes))
	for _, a := range u.Table.Attributes {
		names = append(names, pg.QuoteIdentifier(a.Name))
	}
	return strings.Join(names, ", ")
}

// SourceSQL is the COPY ... TO STDOUT statement run on the source.
func (u *Unit) SourceSQL() string {
	columns := u.columnList()

	switch u.Kind {
	case UnitCtidRange:
		where := fmt.Sprintf("ctid >= '(%d,0)'::tid", u.StartPage)
		if u.EndPage > 0 {
			where += fmt.Sprintf(" AND ctid < '(%d,0)'::tid", u.EndPage)
		}
		return fmt.Sprintf(
			"COPY (SELECT %s FROM %s WHERE %s) TO STDOUT WITH (FORMAT binary)",
			columns,
			pg.QualifiedName(u.Table.Namespace, u.Table.Name),
			where)

	case UnitPartition:
		return fmt.Sprintf("COPY %s (%s) TO STDOUT WITH (FORMAT binary)",
			pg.QualifiedName(u.Partition.Namespace, u.Partition.Name), columns)

	default:
		return fmt.Sprintf("COPY %s (%s) TO STDOUT WITH (FORMAT binary)",
			pg.QualifiedName(u.Table.Namespace, u.Table.Name), columns)
	}
}

// TargetSQL is the matching COPY ... FROM STDIN on the target. Partition
// rows go straight into the partition relation, the parent routing is not
// re-run.
func (u *Unit) TargetSQL() string {
	columns := u.columnList()

	relation := pg.QualifiedName(u.Table.Namespace, u.Table.Name)
	if u.Kind == UnitPartition {
		relation = pg.QualifiedName(u.Partition.Namespace, u.Partition.Name)
	}

	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT binary)", relation, columns)
}

// BuildUnits turns the catalog into the scheduling queue: tables sorted by
// estimated byte size descending (longest-processing-time first), each
// expanded into its units. Tables whose done-marker exists are skipped
// entirely.
func BuildUnits(cat *catalog.Catalog, splitThreshold int64, isTableDone func(oid uint32) bool) []Unit {
	tables := make([]*catalog.Table, 0, len(cat.Tables))
	for i := range cat.Tables {
		tables = append(tables, &cat.Tables[i])
	}

	sort.SliceStable(tables, func(i, j int) bool {
		return tables[i].Bytes > tables[j].Bytes
	})

	var units []Unit
	for _, t := range tables {
		if isTableDone(t.OID) {
			continue
		}
		units = append(units, tableUnits(t, splitThreshold)...)
	}

	return units
}

func tableUnits(t *catalog.Table, splitThreshold int64) []Unit {
	switch t.Strategy {
	case catalog.CopyByPartitionKey:
		units := make([]Unit, 0, len(t.Partitions))
		for i := range t.Partitions {
			units = append(units, Unit{
				Table:     t,
				Kind:      UnitPartition,
				Partition: &t.Partitions[i],
				Seq:       i,
				Total:     len(t.Partitions),
			})
		}
		if len(units) == 0 {
			// partitioned table without partitions holds no rows
			return []Unit{{Table: t, Kind: UnitWholeTable, Total: 1}}
		}
		return units

	case catalog.CopyByCtidRange:
		rangeCount := t.Bytes / splitThreshold
		if t.Bytes%splitThreshold != 0 {
			rangeCount++
		}
		if rangeCount < 2 || t.RelPages < rangeCount {
			return []Unit{{Table: t, Kind: UnitWholeTable, Total: 1}}
		}

		pagesPerRange := t.RelPages / rangeCount

		units := make([]Unit, 0, rangeCount)
		for i := int64(0); i < rangeCount; i++ {
			unit := Unit{
				Table:     t,
				Kind:      UnitCtidRange,
				StartPage: i * pagesPerRange,
				EndPage:   (i + 1) * pagesPerRange,
				Seq:       int(i),
				Total:     int(rangeCount),
			}
			if i == rangeCount-1 {
				// the last range is open-ended to cover relation growth
				// between the estimate and the snapshot
				unit.EndPage = 0
			}
			units = append(units, unit)
		}
		return units

	default:
		return []Unit{{Table: t, Kind: UnitWholeTable, Total: 1}}
	}
}
