package catalog

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
)

// CopyStrategy is how the copier splits one table into copy units.
type CopyStrategy string

const (
	CopyWhole          CopyStrategy = "whole"
	CopyByCtidRange    CopyStrategy = "by-ctid-range"
	CopyByPartitionKey CopyStrategy = "by-partition-key"
)

type Attribute struct {
	Num      int16
	Name     string
	TypeName string
}

type Table struct {
	OID       uint32
	Namespace string
	Name      string

	EstimatedRowCount int64
	Bytes             int64
	RelPages          int64
	RelKind           rune

	Attributes []Attribute

	// Partitions holds child relation OIDs when RelKind is 'p'.
	Partitions []PartitionRef

	Strategy CopyStrategy
}

type PartitionRef struct {
	OID       uint32
	Namespace string
	Name      string
}

func (t *Table) QualifiedName() string {
	return t.Namespace + "." + t.Name
}

type Index struct {
	OID      uint32
	TableOID uint32
	Name     string

	// Definition is the complete CREATE INDEX statement from the source.
	Definition string

	IsPrimary bool
	IsUnique  bool

	// ConstraintOID and ConstraintDef are set when the index backs a
	// constraint; the builder then issues ALTER TABLE instead.
	ConstraintOID  uint32
	ConstraintName string
	ConstraintDef  string
}

type Sequence struct {
	OID       uint32
	Namespace string
	Name      string
	LastValue int64
	IsCalled  bool
}

type ExtensionConfig struct {
	Namespace string
	Name      string
	Condition string
}

type Extension struct {
	Name   string
	Config []ExtensionConfig
}

// Catalog is the immutable in-memory model of the source objects of one run,
// fetched once under the snapshot.
type Catalog struct {
	Tables     []Table
	Indexes    map[uint32][]Index
	Sequences  []Sequence
	Extensions []Extension

	// ExcludedOIDs holds the object OIDs of filtered-out tables and of
	// their indexes and constraints, so the restore include-list can
	// comment them out.
	ExcludedOIDs map[uint32]bool

	excludedTableOIDs []uint32
}

func (c *Catalog) TotalBytes() int64 {
	var total int64
	for i := range c.Tables {
		total += c.Tables[i].Bytes
	}
	return total
}

func (c *Catalog) TableByOID(oid uint32) *Table {
	for i := range c.Tables {
		if c.Tables[i].OID == oid {
			return &c.Tables[i]
		}
	}
	return nil
}

// ForEachTable runs fn over the filtered tables; the filters were already
// applied at fetch time, this re-applies them for callers holding a broader
// catalog.
func (c *Catalog) ForEachTable(filters config.FilterConfig, fn func(t *Table) error) error {
	for i := range c.Tables {
		t := &c.Tables[i]
		if !TableIncluded(filters, t.Namespace, t.Name) {
			continue
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) ForEachIndex(filters config.FilterConfig, fn func(t *Table, idx *Index) error) error {
	for i := range c.Tables {
		t := &c.Tables[i]
		if !TableIncluded(filters, t.Namespace, t.Name) {
			continue
		}
		indexes := c.Indexes[t.OID]
		for j := range indexes {
			if err := fn(t, &indexes[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fetch populates the catalog from the source. The connection must already
// sit inside the snapshot transaction so that row estimates, sizes, and
// object lists agree with what the data copy will see.
func Fetch(ctx context.Context, conn *pgx.Conn, cfg *config.Config) (*Catalog, error) {
	catalog := &Catalog{
		Indexes:      make(map[uint32][]Index),
		ExcludedOIDs: make(map[uint32]bool),
	}

	if err := catalog.fetchTables(ctx, conn, cfg); err != nil {
		return nil, err
	}
	if err := catalog.fetchIndexes(ctx, conn, cfg); err != nil {
		return nil, err
	}
	if err := catalog.fetchSequences(ctx, conn, cfg); err != nil {
		return nil, err
	}
	if err := catalog.fetchExtensions(ctx, conn); err != nil {
		return nil, err
	}

	logger.Info("fetched source catalogs",
		"tables", len(catalog.Tables),
		"sequences", len(catalog.Sequences),
		"extensions", len(catalog.Extensions))

	return catalog, nil
}

const tableQuery = `
  SELECT c.oid,
         n.nspname,
         c.relname,
         greatest(c.reltuples::bigint, 0),
         pg_table_size(c.oid),
         c.relpages::bigint,
         c.relkind::text
    FROM pg_class c
    JOIN pg_namespace n ON n.oid = c.relnamespace
   WHERE c.relkind IN ('r', 'p')
     AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pgcopydb')
     AND NOT EXISTS
         (
           SELECT 1 FROM pg_inherits i WHERE i.inhrelid = c.oid
         )
ORDER BY pg_table_size(c.oid) DESC`

const attributeQuery = `
  SELECT a.attnum, a.attname, format_type(a.atttypid, a.atttypmod)
    FROM pg_attribute a
   WHERE a.attrelid = $1
     AND a.attnum > 0
     AND NOT a.attisdropped
ORDER BY a.attnum`

const partitionQuery = `
  SELECT c.oid, n.nspname, c.relname
    FROM pg_inherits i
    JOIN pg_class c ON c.oid = i.inhrelid
    JOIN pg_namespace n ON n.oid = c.relnamespace
   WHERE i.inhparent = $1
ORDER BY c.relname`

func (cat *Catalog) fetchTables(ctx context.Context, conn *pgx.Conn, cfg *config.Config) error {
	rows, err := conn.Query(ctx, tableQuery)
	if err != nil {
		return fmt.Errorf("fetch tables: %w", err)
	}

	var tables []Table
	for rows.Next() {
		var t Table
		var relkind string

		if err := rows.Scan(&t.OID, &t.Namespace, &t.Name,
			&t.EstimatedRowCount, &t.Bytes, &t.RelPages, &relkind); err != nil {
			rows.Close()
			return fmt.Errorf("scan table row: %w", err)
		}

		t.RelKind = rune(relkind[0])
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch tables: %w", err)
	}

	for i := range tables {
		t := &tables[i]
		if !TableIncluded(cfg.Filters, t.Namespace, t.Name) {
			cat.ExcludedOIDs[t.OID] = true
			cat.excludedTableOIDs = append(cat.excludedTableOIDs, t.OID)
			continue
		}

		if err := t.fetchAttributes(ctx, conn); err != nil {
			return err
		}

		switch {
		case t.RelKind == 'p':
			if err := t.fetchPartitions(ctx, conn); err != nil {
				return err
			}
			t.Strategy = CopyByPartitionKey
		case t.Bytes >= cfg.SplitThreshold:
			t.Strategy = CopyByCtidRange
		default:
			t.Strategy = CopyWhole
		}

		cat.Tables = append(cat.Tables, *t)
	}

	return nil
}

func (t *Table) fetchAttributes(ctx context.Context, conn *pgx.Conn) error {
	rows, err := conn.Query(ctx, attributeQuery, t.OID)
	if err != nil {
		return fmt.Errorf("fetch attributes of %s: %w", t.QualifiedName(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Attribute
		if err := rows.Scan(&a.Num, &a.Name, &a.TypeName); err != nil {
			return fmt.Errorf("scan attribute of %s: %w", t.QualifiedName(), err)
		}
		t.Attributes = append(t.Attributes, a)
	}

	return rows.Err()
}

func (t *Table) fetchPartitions(ctx context.Context, conn *pgx.Conn) error {
	rows, err := conn.Query(ctx, partitionQuery, t.OID)
	if err != nil {
		return fmt.Errorf("fetch partitions of %s: %w", t.QualifiedName(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var p PartitionRef
		if err := rows.Scan(&p.OID, &p.Namespace, &p.Name); err != nil {
			return fmt.Errorf("scan partition of %s: %w", t.QualifiedName(), err)
		}
		t.Partitions = append(t.Partitions, p)
	}

	return rows.Err()
}

const indexQuery = `
  SELECT i.indexrelid,
         i.indrelid,
         ic.relname,
         pg_get_indexdef(i.indexrelid),
         i.indisprimary,
         i.indisunique,
         coalesce(con.oid, 0),
         coalesce(con.conname, ''),
         coalesce(pg_get_constraintdef(con.oid), '')
    FROM pg_index i
    JOIN pg_class ic ON ic.oid = i.indexrelid
    LEFT JOIN pg_constraint con ON con.conindid = i.indexrelid
                               AND con.contype IN ('p', 'u', 'x')
   WHERE i.indrelid IN (%s)
ORDER BY i.indrelid, ic.relname`

func (cat *Catalog) fetchIndexes(ctx context.Context, conn *pgx.Conn, cfg *config.Config) error {
	oids := make([]uint32, 0, len(cat.Tables)+len(cat.excludedTableOIDs))
	for i := range cat.Tables {
		oids = append(oids, cat.Tables[i].OID)
	}
	// excluded tables too: their indexes must be commented out of the
	// post-data restore list
	oids = append(oids, cat.excludedTableOIDs...)

	if len(oids) == 0 {
		return nil
	}

	oidList := make([]string, 0, len(oids))
	for _, oid := range oids {
		oidList = append(oidList, strconv.FormatUint(uint64(oid), 10))
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(indexQuery, strings.Join(oidList, ", ")))
	if err != nil {
		return fmt.Errorf("fetch indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx Index
		if err := rows.Scan(&idx.OID, &idx.TableOID, &idx.Name, &idx.Definition,
			&idx.IsPrimary, &idx.IsUnique,
			&idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintDef); err != nil {
			return fmt.Errorf("scan index row: %w", err)
		}

		if cat.ExcludedOIDs[idx.TableOID] {
			cat.ExcludedOIDs[idx.OID] = true
			if idx.ConstraintOID != 0 {
				cat.ExcludedOIDs[idx.ConstraintOID] = true
			}
			continue
		}

		cat.Indexes[idx.TableOID] = append(cat.Indexes[idx.TableOID], idx)
	}

	return rows.Err()
}

const sequenceQuery = `
  SELECT c.oid, n.nspname, c.relname
    FROM pg_class c
    JOIN pg_namespace n ON n.oid = c.relnamespace
   WHERE c.relkind = 'S'
     AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pgcopydb')
ORDER BY n.nspname, c.relname`

func (cat *Catalog) fetchSequences(ctx context.Context, conn *pgx.Conn, cfg *config.Config) error {
	sequences, err := FetchSequences(ctx, conn, cfg)
	if err != nil {
		return err
	}

	cat.Sequences = sequences
	return nil
}

// FetchSequences lists the filtered source sequences. Callers without a full
// catalog use it too: the sequence sync at cut-over runs on a fresh
// connection, outside any snapshot.
func FetchSequences(ctx context.Context, conn *pgx.Conn, cfg *config.Config) ([]Sequence, error) {
	rows, err := conn.Query(ctx, sequenceQuery)
	if err != nil {
		return nil, fmt.Errorf("fetch sequences: %w", err)
	}

	var sequences []Sequence
	for rows.Next() {
		var s Sequence
		if err := rows.Scan(&s.OID, &s.Namespace, &s.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sequence row: %w", err)
		}
		sequences = append(sequences, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch sequences: %w", err)
	}

	filtered := sequences[:0]
	for _, s := range sequences {
		if !SchemaIncluded(cfg.Filters, s.Namespace) {
			continue
		}
		filtered = append(filtered, s)
	}

	return filtered, nil
}

// RefreshSequenceValues reads the current value of every given sequence.
// Logical decoding does not replicate sequences, so the follow path re-reads
// them at cut-over time.
func RefreshSequenceValues(ctx context.Context, conn *pgx.Conn, sequences []Sequence) error {
	for i := range sequences {
		s := &sequences[i]

		query := fmt.Sprintf("SELECT last_value, is_called FROM %s",
			pg.QualifiedName(s.Namespace, s.Name))

		if err := conn.QueryRow(ctx, query).Scan(&s.LastValue, &s.IsCalled); err != nil {
			return fmt.Errorf("read sequence %s.%s: %w", s.Namespace, s.Name, err)
		}
	}
	return nil
}

const extensionQuery = `
  SELECT e.extname,
         coalesce(cn.nspname, ''),
         coalesce(c.relname, ''),
         coalesce(e.extcondition[s.i], '')
    FROM pg_extension e
    LEFT JOIN LATERAL generate_subscripts(e.extconfig, 1) AS s(i) ON true
    LEFT JOIN pg_class c ON c.oid = e.extconfig[s.i]
    LEFT JOIN pg_namespace cn ON cn.oid = c.relnamespace
ORDER BY e.extname`

func (cat *Catalog) fetchExtensions(ctx context.Context, conn *pgx.Conn) error {
	rows, err := conn.Query(ctx, extensionQuery)
	if err != nil {
		return fmt.Errorf("fetch extensions: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*Extension)
	var order []string

	for rows.Next() {
		var name, nspname, relname, condition string
		if err := rows.Scan(&name, &nspname, &relname, &condition); err != nil {
			return fmt.Errorf("scan extension row: %w", err)
		}

		ext, ok := byName[name]
		if !ok {
			byName[name] = &Extension{Name: name}
			ext = byName[name]
			order = append(order, name)
		}

		if relname != "" {
			ext.Config = append(ext.Config, ExtensionConfig{
				Namespace: nspname,
				Name:      relname,
				Condition: condition,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("fetch extensions: %w", err)
	}

	for _, name := range order {
		cat.Extensions = append(cat.Extensions, *byName[name])
	}

	return nil
}
