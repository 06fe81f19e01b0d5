package extensions

import (
	"context"
	"fmt"
	"io"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/snapshot"
)

// Copier moves the rows of extension configuration tables from source to
// target. Extensions declare these tables via extconfig/extcondition; the
// condition narrows which rows belong to the extension's state.
type Copier struct {
	cfg       *config.Config
	snapshots *snapshot.Manager
	cat       *catalog.Catalog
}

func New(cfg *config.Config, snapshots *snapshot.Manager, cat *catalog.Catalog) *Copier {
	return &Copier{cfg: cfg, snapshots: snapshots, cat: cat}
}

// Run copies every configuration table of every source extension. Unless
// strict mode was requested, per-table errors are logged and counted rather
// than aborting the run.
func (c *Copier) Run(ctx context.Context) error {
	if c.cfg.SkipExtensions {
		return nil
	}

	errors := 0

	for _, ext := range c.cat.Extensions {
		if len(ext.Config) == 0 {
			continue
		}

		for _, cfgTable := range ext.Config {
			logger.Info("copying extension configuration table",
				"extension", ext.Name,
				"table", cfgTable.Namespace+"."+cfgTable.Name)

			if err := c.copyConfigTable(ctx, &cfgTable); err != nil {
				if c.cfg.StrictExtensions {
					return fmt.Errorf("copy extension %q configuration: %w", ext.Name, err)
				}
				logger.Error("extension configuration copy failed",
					"extension", ext.Name,
					"table", cfgTable.Namespace+"."+cfgTable.Name,
					"error", err)
				errors++
			}
		}
	}

	if errors > 0 {
		logger.Warn("extension configuration copy finished with errors", "errors", errors)
	}

	return nil
}

func (c *Copier) copyConfigTable(ctx context.Context, cfgTable *catalog.ExtensionConfig) error {
	srcConn, err := c.snapshots.OpenWorkerConn(ctx)
	if err != nil {
		return fmt.Errorf("open source connection: %w", err)
	}
	defer srcConn.Close(ctx)

	dstConn, err := pg.NewConnection(ctx, c.cfg.TargetPgURI)
	if err != nil {
		return fmt.Errorf("open target connection: %w", err)
	}
	defer dstConn.Close(ctx)

	qname := pg.QualifiedName(cfgTable.Namespace, cfgTable.Name)

	condition := cfgTable.Condition
	sourceSQL := fmt.Sprintf("COPY (SELECT * FROM %s %s) TO STDOUT", qname, condition)
	targetSQL := fmt.Sprintf("COPY %s FROM STDIN", qname)

	pr, pw := io.Pipe()

	copyErr := make(chan error, 1)
	go func() {
		_, err := srcConn.PgConn().CopyTo(ctx, pw, sourceSQL)
		pw.CloseWithError(err)
		copyErr <- err
	}()

	if _, err := dstConn.PgConn().CopyFrom(ctx, pr, targetSQL); err != nil {
		_ = pr.CloseWithError(err)
		<-copyErr
		return fmt.Errorf("copy into target: %w", err)
	}

	if err := <-copyErr; err != nil {
		return fmt.Errorf("copy from source: %w", err)
	}

	return nil
}
