package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
)

// EnsurePublication creates the publication the pgoutput plugin decodes
// through, covering the filtered tables of this run. Only needed when the
// plugin is pgoutput; wal2json and test_decoding stream without one.
func EnsurePublication(ctx context.Context, cfg *config.Config, cat *catalog.Catalog) error {
	if cfg.Plugin != config.PluginPgOutput {
		return nil
	}

	conn, err := pgx.Connect(ctx, cfg.SourcePgURI)
	if err != nil {
		return fmt.Errorf("connect to source: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		cfg.SlotName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check publication: %w", err)
	}

	if exists {
		logger.Info("publication already exists", "publication", cfg.SlotName)
		return nil
	}

	var tables []string
	_ = cat.ForEachTable(cfg.Filters, func(t *catalog.Table) error {
		tables = append(tables, pg.QualifiedName(t.Namespace, t.Name))
		return nil
	})

	var sql string
	if len(tables) == 0 {
		sql = fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES",
			pg.QuoteIdentifier(cfg.SlotName))
	} else {
		sql = fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
			pg.QuoteIdentifier(cfg.SlotName), strings.Join(tables, ", "))
	}

	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create publication %q: %w", cfg.SlotName, err)
	}

	logger.Info("created publication", "publication", cfg.SlotName, "tables", len(tables))
	return nil
}

// DropPublication removes the pgoutput publication during stream cleanup.
func DropPublication(ctx context.Context, cfg *config.Config) error {
	if cfg.Plugin != config.PluginPgOutput {
		return nil
	}

	conn, err := pgx.Connect(ctx, cfg.SourcePgURI)
	if err != nil {
		return fmt.Errorf("connect to source: %w", err)
	}
	defer conn.Close(ctx)

	sql := fmt.Sprintf("DROP PUBLICATION IF EXISTS %s", pg.QuoteIdentifier(cfg.SlotName))
	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("drop publication %q: %w", cfg.SlotName, err)
	}

	return nil
}
