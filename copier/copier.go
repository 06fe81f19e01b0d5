package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/snapshot"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

var ErrUnitsFailed = errors.New("some copy units could not be completed")

// Copier streams table data from source to target with a pool of workers.
// For each unit attempt a worker opens one source connection (inside the
// snapshot) and one target connection; units drain from a single queue
// sorted largest-first.
type Copier struct {
	cfg       *config.Config
	paths     *workdir.Paths
	snapshots *snapshot.Manager
	cat       *catalog.Catalog

	// TableDone receives each table OID as its last unit completes, which
	// is what makes that table's indexes eligible.
	TableDone chan uint32

	// Synchronization (always last)
	mu        sync.Mutex
	remaining map[uint32]int
	failed    []string
}

func New(cfg *config.Config, paths *workdir.Paths, snapshots *snapshot.Manager, cat *catalog.Catalog) *Copier {
	return &Copier{
		cfg:       cfg,
		paths:     paths,
		snapshots: snapshots,
		cat:       cat,
		TableDone: make(chan uint32, len(cat.Tables)+1),
		remaining: make(map[uint32]int),
	}
}

// Run copies all table data and returns once every unit has drained. Tables
// already marked done are announced immediately so index builds can proceed.
func (c *Copier) Run(ctx context.Context) error {
	defer close(c.TableDone)

	units := BuildUnits(c.cat, c.cfg.SplitThreshold, c.paths.IsTableDone)

	for i := range c.cat.Tables {
		t := &c.cat.Tables[i]
		if c.paths.IsTableDone(t.OID) {
			logger.Info("skipping table, done on a previous run", "table", t.QualifiedName())
			c.TableDone <- t.OID
		}
	}

	if len(units) == 0 {
		logger.Info("no table data to copy")
		return nil
	}

	for i := range units {
		c.remaining[units[i].Table.OID]++
	}

	var totalBytes int64
	for i := range c.cat.Tables {
		totalBytes += c.cat.Tables[i].Bytes
	}

	logger.Info("copying table data",
		"tables", len(c.remaining),
		"units", len(units),
		"totalSize", humanize.Bytes(uint64(totalBytes)),
		"jobs", c.cfg.TableJobs)

	queue := make(chan *Unit, len(units))
	for i := range units {
		queue <- &units[i]
	}
	close(queue)

	var wg sync.WaitGroup
	for worker := 0; worker < c.cfg.TableJobs; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.runWorker(ctx, worker, queue)
		}(worker)
	}
	wg.Wait()

	c.mu.Lock()
	failed := c.failed
	c.mu.Unlock()

	if len(failed) > 0 {
		return fmt.Errorf("%w: %d units failed, first: %s",
			ErrUnitsFailed, len(failed), failed[0])
	}

	return ctx.Err()
}

func (c *Copier) runWorker(ctx context.Context, worker int, queue <-chan *Unit) {
	for unit := range queue {
		if ctx.Err() != nil {
			// cooperative stop between units; unfinished tables keep no
			// done-marker and get re-done on resume
			continue
		}

		start := time.Now()

		err := retry.Do(
			func() error { return c.copyUnit(ctx, unit) },
			retry.Context(ctx),
			retry.Attempts(uint(c.cfg.CopyRetries)+1),
			retry.Delay(time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			logger.Error("copy unit failed", "worker", worker, "unit", unit.String(), "error", err)
			c.recordFailure(unit, err)
			continue
		}

		logger.Info("copied unit",
			"worker", worker,
			"unit", unit.String(),
			"duration", time.Since(start).Round(time.Millisecond))

		if err := c.finishUnit(unit); err != nil {
			c.recordFailure(unit, err)
		}
	}
}

// copyUnit streams one unit through an in-process pipe: COPY TO STDOUT on
// the source feeding COPY FROM STDIN on the target. The target COPY is a
// single transaction, so a crashed unit leaves no rows behind.
func (c *Copier) copyUnit(ctx context.Context, unit *Unit) error {
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

	pr, pw := io.Pipe()

	copyErr := make(chan error, 1)
	go func() {
		_, err := srcConn.PgConn().CopyTo(ctx, pw, unit.SourceSQL())
		pw.CloseWithError(err)
		copyErr <- err
	}()

	if _, err := dstConn.PgConn().CopyFrom(ctx, pr, unit.TargetSQL()); err != nil {
		_ = pr.CloseWithError(err)
		<-copyErr
		return fmt.Errorf("copy into target: %w", err)
	}

	if err := <-copyErr; err != nil {
		return fmt.Errorf("copy from source: %w", err)
	}

	return nil
}

func (c *Copier) finishUnit(unit *Unit) error {
	oid := unit.Table.OID

	c.mu.Lock()
	c.remaining[oid]--
	last := c.remaining[oid] == 0
	c.mu.Unlock()

	if !last {
		return nil
	}

	// marker creation is the last action of the table's copy
	if err := c.paths.MarkTableDone(oid); err != nil {
		return err
	}

	c.TableDone <- oid
	return nil
}

func (c *Copier) recordFailure(unit *Unit, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, fmt.Sprintf("%s: %v", unit.String(), err))
}
