package dump

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

// Section selects which half of the schema a dump or restore pass covers.
type Section string

const (
	PreData  Section = "pre-data"
	PostData Section = "post-data"
)

// Driver runs pg_dump and pg_restore as subprocesses, rewriting the restore
// catalog between the two so that filtered and already-built objects are
// skipped.
type Driver struct {
	cfg   *config.Config
	paths *workdir.Paths
	cat   *catalog.Catalog

	// overridable in tests
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDriver(cfg *config.Config, paths *workdir.Paths, cat *catalog.Catalog) *Driver {
	return &Driver{
		cfg:        cfg,
		paths:      paths,
		cat:        cat,
		runCommand: runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("running command", "command", name, "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		for _, line := range strings.Split(strings.TrimRight(stderr.String(), "\n"), "\n") {
			if line != "" {
				logger.Error(name + ": " + line)
			}
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return stdout.Bytes(), nil
}

func (d *Driver) sectionPaths(section Section) (doneKey, dumpFile, listFile string) {
	switch section {
	case PreData:
		return workdir.PreDataDump, d.paths.PreDump, d.paths.PreList
	default:
		return workdir.PostDataDump, d.paths.PostDump, d.paths.PostList
	}
}

// DumpSchema runs pg_dump --section=<section> under the exported snapshot,
// once; a done-marker short-circuits re-runs.
func (d *Driver) DumpSchema(ctx context.Context, section Section, snapshotID string) error {
	doneKey, dumpFile, _ := d.sectionPaths(section)

	if d.paths.IsDone(doneKey) {
		logger.Info("skipping pg_dump, done on a previous run", "section", string(section))
		return nil
	}

	args := []string{
		"--format", "custom",
		"--section", string(section),
		"--file", dumpFile,
	}
	if snapshotID != "" {
		args = append(args, "--snapshot", snapshotID)
	}
	for _, schema := range d.cfg.Filters.IncludeOnlySchemas {
		args = append(args, "--schema", schema)
	}
	for _, schema := range d.cfg.Filters.ExcludeSchemas {
		args = append(args, "--exclude-schema", schema)
	}
	args = append(args, d.cfg.SourcePgURI)

	if _, err := d.runCommand(ctx, "pg_dump", args...); err != nil {
		return fmt.Errorf("dump %s section: %w", section, err)
	}

	if err := d.paths.MarkDone(doneKey); err != nil {
		return err
	}

	logger.Info("dumped schema section", "section", string(section), "file", dumpFile)
	return nil
}

// WriteRestoreList asks pg_restore for the archive catalog and rewrites it as
// the include-list: entries already processed (done-marker for the object
// OID) or excluded by the filters get commented out.
func (d *Driver) WriteRestoreList(ctx context.Context, section Section) error {
	_, dumpFile, listFile := d.sectionPaths(section)

	out, err := d.runCommand(ctx, "pg_restore", "--list", dumpFile)
	if err != nil {
		return fmt.Errorf("list %s archive: %w", section, err)
	}

	entries, err := ParseArchiveList(bytes.NewReader(out))
	if err != nil {
		return err
	}

	f, err := os.Create(listFile)
	if err != nil {
		return fmt.Errorf("create include list %q: %w", listFile, err)
	}
	defer f.Close()

	err = WriteIncludeList(f, entries, func(e ArchiveEntry) string {
		if d.paths.IsIndexDone(e.ObjectOID) {
			logger.Notice("skipping already processed archive entry",
				"dumpId", e.DumpID, "desc", e.Desc, "oid", e.ObjectOID, "name", e.RestoreListName)
			return "already processed"
		}
		if d.entryIsFilteredOut(e) {
			logger.Notice("skipping filtered-out archive entry",
				"dumpId", e.DumpID, "desc", e.Desc, "oid", e.ObjectOID, "name", e.RestoreListName)
			return "filtered out"
		}
		return ""
	})
	if err != nil {
		return err
	}

	return f.Sync()
}

// entryIsFilteredOut applies the run's filters to one archive entry. OIDs
// recorded at catalog time cover tables and their indexes; name-based checks
// cover schemas and table-named entries the catalog does not track.
func (d *Driver) entryIsFilteredOut(e ArchiveEntry) bool {
	if d.cat != nil && d.cat.ExcludedOIDs[e.ObjectOID] {
		return true
	}

	fields := strings.Fields(e.RestoreListName)

	switch e.Desc {
	case "SCHEMA":
		if len(fields) > 0 {
			return !catalog.SchemaIncluded(d.cfg.Filters, fields[0])
		}
	case "TABLE", "TABLE DATA":
		if len(fields) >= 2 {
			return !catalog.TableIncluded(d.cfg.Filters, fields[0], fields[1])
		}
	default:
		if len(fields) > 0 && !catalog.SchemaIncluded(d.cfg.Filters, fields[0]) {
			return true
		}
	}

	return false
}

// Restore applies one dump section to the target through its include-list,
// gated by a done-marker.
func (d *Driver) Restore(ctx context.Context, section Section) error {
	doneKey := workdir.PreDataRestore
	if section == PostData {
		doneKey = workdir.PostDataRestore
	}

	_, dumpFile, listFile := d.sectionPaths(section)

	if _, err := os.Stat(dumpFile); err != nil {
		return fmt.Errorf("dump file %q does not exist: %w", dumpFile, err)
	}

	if d.paths.IsDone(doneKey) {
		logger.Info("skipping pg_restore, done on a previous run", "section", string(section))
		return nil
	}

	if err := d.WriteRestoreList(ctx, section); err != nil {
		return err
	}

	if section == PreData {
		// pg_restore --clean --if-exists gets confused by partial
		// include-lists, so --drop-if-exists is implemented as one big
		// DROP TABLE statement instead
		if d.cfg.DropIfExists {
			if err := d.dropTargetTables(ctx); err != nil {
				return err
			}
		}

		if len(d.cfg.Filters.IncludeOnlySchemas) > 0 {
			if err := d.prepareNamespaces(ctx); err != nil {
				return err
			}
		}
	}

	args := []string{
		"--dbname", d.cfg.TargetPgURI,
		"--use-list", listFile,
		"--no-owner",
		"--exit-on-error",
		dumpFile,
	}

	if _, err := d.runCommand(ctx, "pg_restore", args...); err != nil {
		return fmt.Errorf("restore %s section: %w", section, err)
	}

	if err := d.paths.MarkDone(doneKey); err != nil {
		return err
	}

	logger.Info("restored schema section", "section", string(section))
	return nil
}

// dropTargetTables issues a single DROP TABLE IF EXISTS ... CASCADE naming
// every target table of this run.
func (d *Driver) dropTargetTables(ctx context.Context) error {
	if len(d.cat.Tables) == 0 {
		logger.Info("no tables to migrate, skipping drop on the target database")
		return nil
	}

	logger.Info("dropping tables on the target database, per --drop-if-exists",
		"tables", len(d.cat.Tables))

	return d.execOnTarget(ctx, DropTablesSQL(d.cat))
}

// DropTablesSQL composes the single statement dropping every target table
// of this run.
func DropTablesSQL(cat *catalog.Catalog) string {
	var sb strings.Builder
	sb.WriteString("DROP TABLE IF EXISTS ")

	for i := range cat.Tables {
		if i > 0 {
			sb.WriteString(", ")
		}
		t := &cat.Tables[i]
		sb.WriteString(pg.QualifiedName(t.Namespace, t.Name))
	}

	sb.WriteString(" CASCADE")
	return sb.String()
}

// prepareNamespaces creates every include-only schema on the target, so a
// filtered restore into a fresh database succeeds.
func (d *Driver) prepareNamespaces(ctx context.Context) error {
	var sb strings.Builder
	for _, schema := range d.cfg.Filters.IncludeOnlySchemas {
		fmt.Fprintf(&sb, "CREATE SCHEMA IF NOT EXISTS %s;", pg.QuoteIdentifier(schema))
	}

	logger.Info("creating schemas specified in inclusion filter",
		"schemas", len(d.cfg.Filters.IncludeOnlySchemas))

	return d.execOnTarget(ctx, sb.String())
}

func (d *Driver) execOnTarget(ctx context.Context, sql string) error {
	conn, err := pgx.Connect(ctx, d.cfg.TargetPgURI)
	if err != nil {
		return fmt.Errorf("connect to target: %w", err)
	}
	defer conn.Close(ctx)

	// simple protocol: the statement may contain multiple semicolons
	if _, err := conn.PgConn().Exec(ctx, sql).ReadAll(); err != nil {
		return fmt.Errorf("execute on target: %w", err)
	}

	return nil
}
