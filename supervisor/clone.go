package supervisor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/copier"
	"github.com/devinshteyn2/pgcopydb/dump"
	"github.com/devinshteyn2/pgcopydb/extensions"
	"github.com/devinshteyn2/pgcopydb/indexes"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/snapshot"
	"github.com/devinshteyn2/pgcopydb/stream"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

// Clone is the bulk copy orchestrator: under one consistent snapshot it
// dumps and restores the schema, copies table data and builds indexes in
// parallel, copies extension configuration, and finally restores the
// post-data section.
type Clone struct {
	cfg       *config.Config
	paths     *workdir.Paths
	snapshots *snapshot.Manager
}

func NewClone(cfg *config.Config, paths *workdir.Paths, snapshots *snapshot.Manager) *Clone {
	return &Clone{cfg: cfg, paths: paths, snapshots: snapshots}
}

// Run performs the whole bulk phase. Every unit is gated by a done-marker,
// so re-running after any interruption picks up where the previous run
// stopped.
func (c *Clone) Run(ctx context.Context) error {
	snapshotID, err := c.snapshots.SnapshotID()
	if err != nil {
		return err
	}

	logger.Info("STEP 1: dump the source database schema (pre/post data)")

	cat, err := c.fetchCatalog(ctx)
	if err != nil {
		return err
	}

	driver := dump.NewDriver(c.cfg, c.paths, cat)

	if err := driver.DumpSchema(ctx, dump.PreData, snapshotID); err != nil {
		return err
	}
	if err := driver.DumpSchema(ctx, dump.PostData, snapshotID); err != nil {
		return err
	}

	logger.Info("STEP 2: restore the pre-data section to the target database")

	if err := driver.Restore(ctx, dump.PreData); err != nil {
		return err
	}

	logger.Info("STEP 3: copy data from source to target",
		"tableJobs", c.cfg.TableJobs, "indexJobs", c.cfg.IndexJobs)

	if err := c.copyDataAndIndexes(ctx, cat); err != nil {
		return err
	}

	// commit the snapshot transaction before post-data: index builds on the
	// target no longer need it, and the source can trim its WAL bookkeeping
	c.snapshots.Close(ctx)

	logger.Info("STEP 4: restore the post-data section to the target database")

	if err := driver.Restore(ctx, dump.PostData); err != nil {
		return err
	}

	if !c.cfg.Follow {
		// with follow, the sequence sync waits until the applier reached
		// endpos; the caller runs it once the whole pipeline is done
		if err := SyncSequences(ctx, c.cfg); err != nil {
			return err
		}
	}

	if c.cfg.Follow {
		logger.Info("enabling sentinel apply, catchup may start")

		conn, err := pgx.Connect(ctx, c.cfg.SourcePgURI)
		if err != nil {
			return fmt.Errorf("sentinel connection: %w", err)
		}
		defer conn.Close(ctx)

		if _, err := stream.NewSentinel(conn).UpdateApply(ctx, true); err != nil {
			return err
		}
	}

	return nil
}

func (c *Clone) fetchCatalog(ctx context.Context) (*catalog.Catalog, error) {
	conn, err := c.snapshots.OpenWorkerConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	return catalog.Fetch(ctx, conn, c.cfg)
}

// copyDataAndIndexes runs the table-data copier and the index builder
// concurrently; the extension-config copier tags along, detached, its
// failure only fatal in strict mode.
func (c *Clone) copyDataAndIndexes(ctx context.Context, cat *catalog.Catalog) error {
	dataCopier := copier.New(c.cfg, c.paths, c.snapshots, cat)
	indexBuilder := indexes.New(c.cfg, c.paths, cat, dataCopier.TableDone)
	extCopier := extensions.New(c.cfg, c.snapshots, cat)

	extDone := make(chan error, 1)
	go func() {
		extDone <- extCopier.Run(ctx)
	}()

	builderDone := make(chan error, 1)
	go func() {
		builderDone <- indexBuilder.Run(ctx)
	}()

	copyErr := dataCopier.Run(ctx)
	builderErr := <-builderDone

	if copyErr != nil {
		return copyErr
	}
	if builderErr != nil {
		return builderErr
	}

	if extErr := <-extDone; extErr != nil {
		if c.cfg.StrictExtensions {
			return extErr
		}
		logger.Warn("extension configuration copy failed", "error", extErr)
	}

	return nil
}
