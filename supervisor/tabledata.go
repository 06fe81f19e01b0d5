package supervisor

import (
	"context"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/copier"
	"github.com/devinshteyn2/pgcopydb/snapshot"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

// TableDataCopy is the standalone bulk-data phase: only table data, no
// schema handling, no indexes. Idempotent through the same done-markers the
// full clone uses.
type TableDataCopy struct {
	cfg       *config.Config
	paths     *workdir.Paths
	snapshots *snapshot.Manager
}

func NewTableDataCopy(cfg *config.Config, paths *workdir.Paths, snapshots *snapshot.Manager) *TableDataCopy {
	return &TableDataCopy{cfg: cfg, paths: paths, snapshots: snapshots}
}

func (t *TableDataCopy) Run(ctx context.Context) error {
	conn, err := t.snapshots.OpenWorkerConn(ctx)
	if err != nil {
		return err
	}

	cat, err := catalog.Fetch(ctx, conn, t.cfg)
	if err != nil {
		_ = conn.Close(ctx)
		return err
	}
	_ = conn.Close(ctx)

	dataCopier := copier.New(t.cfg, t.paths, t.snapshots, cat)

	// nobody builds indexes in this mode, drain the announcements
	go func() {
		for range dataCopier.TableDone {
		}
	}()

	return dataCopier.Run(ctx)
}
