package indexes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

var ErrBuildsFailed = errors.New("some index builds could not be completed")

// Builder creates indexes and attaches constraints on the target, running
// concurrently with the table-data copy. An index becomes eligible the
// moment its table's done-marker exists; foreign keys are not handled here
// at all, they belong to the post-data restore.
type Builder struct {
	cfg   *config.Config
	paths *workdir.Paths
	cat   *catalog.Catalog

	// tableDone delivers table OIDs from the copier as their data lands
	tableDone <-chan uint32

	// Synchronization (always last)
	mu     sync.Mutex
	failed []string
}

func New(cfg *config.Config, paths *workdir.Paths, cat *catalog.Catalog, tableDone <-chan uint32) *Builder {
	return &Builder{
		cfg:       cfg,
		paths:     paths,
		cat:       cat,
		tableDone: tableDone,
	}
}

// Run drains the table-done feed, dispatching each table's index units to
// the worker pool. Within one table, units are ordered primary and unique
// constraints first so that anything referencing them finds them in place.
func (b *Builder) Run(ctx context.Context) error {
	queue := make(chan *catalog.Index, 64)

	var wg sync.WaitGroup
	for worker := 0; worker < b.cfg.IndexJobs; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			b.runWorker(ctx, worker, queue)
		}(worker)
	}

	for oid := range b.tableDone {
		table := b.cat.TableByOID(oid)
		if table == nil {
			continue
		}

		units := b.cat.Indexes[oid]
		for i := range units {
			if units[i].IsPrimary || units[i].IsUnique {
				queue <- &units[i]
			}
		}
		for i := range units {
			if !units[i].IsPrimary && !units[i].IsUnique {
				queue <- &units[i]
			}
		}
	}
	close(queue)

	wg.Wait()

	b.mu.Lock()
	failed := b.failed
	b.mu.Unlock()

	if len(failed) > 0 {
		return fmt.Errorf("%w: %d builds failed, first: %s",
			ErrBuildsFailed, len(failed), failed[0])
	}

	return nil
}

func (b *Builder) runWorker(ctx context.Context, worker int, queue <-chan *catalog.Index) {
	conn, err := pgx.Connect(ctx, b.cfg.TargetPgURI)
	if err != nil {
		b.recordFailure(fmt.Errorf("open target connection: %w", err))
		// drain so dispatch does not block
		for range queue {
		}
		return
	}
	defer conn.Close(ctx)

	for idx := range queue {
		if ctx.Err() != nil {
			continue
		}

		if b.paths.IsIndexDone(idx.OID) {
			logger.Info("skipping index, done on a previous run", "index", idx.Name)
			continue
		}

		start := time.Now()

		if err := b.buildIndex(ctx, conn, idx); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			logger.Error("index build failed",
				"worker", worker, "index", idx.Name, "error", err)
			b.recordFailure(fmt.Errorf("%s: %w", idx.Name, err))
			continue
		}

		// this marker is what lets the post-data restore skip the object
		if err := b.paths.MarkIndexDone(idx.OID); err != nil {
			b.recordFailure(err)
			continue
		}
		if idx.ConstraintOID != 0 {
			if err := b.paths.MarkIndexDone(idx.ConstraintOID); err != nil {
				b.recordFailure(err)
				continue
			}
		}

		logger.Info("built index",
			"worker", worker,
			"index", idx.Name,
			"duration", time.Since(start).Round(time.Millisecond))
	}
}

func (b *Builder) buildIndex(ctx context.Context, conn *pgx.Conn, idx *catalog.Index) error {
	table := b.cat.TableByOID(idx.TableOID)
	if table == nil {
		return fmt.Errorf("unknown table oid %d", idx.TableOID)
	}

	sql := BuildSQL(table, idx)

	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("execute %q: %w", sql, err)
	}

	return nil
}

// BuildSQL synthesizes the target statement for one catalog index: the
// original CREATE INDEX definition, or ALTER TABLE ... ADD CONSTRAINT when
// the index backs a constraint.
func BuildSQL(table *catalog.Table, idx *catalog.Index) string {
	if idx.ConstraintOID != 0 {
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
			pg.QualifiedName(table.Namespace, table.Name),
			pg.QuoteIdentifier(idx.ConstraintName),
			idx.ConstraintDef)
	}

	return idx.Definition
}

func (b *Builder) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, err.Error())
}
