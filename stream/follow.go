package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/snapshot"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

// Follow wires the receive → transform → apply pipeline. The transformer
// and applier run at parallelism one each; anything else would break commit
// ordering on the target.
type Follow struct {
	cfg   *config.Config
	paths *workdir.Paths
	slot  *snapshot.SlotDescriptor
}

func NewFollow(cfg *config.Config, paths *workdir.Paths, slot *snapshot.SlotDescriptor) *Follow {
	return &Follow{cfg: cfg, paths: paths, slot: slot}
}

// SetupSentinel initializes the control row before the pipeline starts:
// startpos from the slot's consistent point, endpos from the command line.
func (f *Follow) SetupSentinel(ctx context.Context) (*SentinelRow, error) {
	conn, err := pgx.Connect(ctx, f.cfg.SourcePgURI)
	if err != nil {
		return nil, fmt.Errorf("sentinel connection: %w", err)
	}
	defer conn.Close(ctx)

	sentinel := NewSentinel(conn)

	row, err := sentinel.Get(ctx)
	if err == nil {
		// previous runs keep their sentinel; only endpos follows the flags
		if f.cfg.Endpos != pg.InvalidLSN && f.cfg.Endpos != row.Endpos {
			return sentinel.UpdateEndpos(ctx, f.cfg.Endpos)
		}
		return row, nil
	}

	if err := sentinel.Setup(ctx, f.slot.ConsistentLSN, f.cfg.Endpos); err != nil {
		return nil, err
	}

	return sentinel.Get(ctx)
}

// Run drives the three pipeline stages until the applier reaches endpos or
// any stage fails. A stage failure cancels the siblings.
func (f *Follow) Run(ctx context.Context) error {
	row, err := f.SetupSentinel(ctx)
	if err != nil {
		return err
	}

	if row.Endpos != pg.InvalidLSN && row.Endpos <= row.ReplayLSN {
		logger.Info("current endpos was previously reached",
			"endpos", row.Endpos.String(), "replayLSN", row.ReplayLSN.String())
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	receiver := NewReceiver(f.cfg, f.paths, f.slot)
	transformer := NewTransformer(f.cfg, f.paths)
	applier := NewApplier(f.cfg, f.paths)

	// pre-feed segments left complete by a previous run, then follow the
	// receiver's announcements
	segments := make(chan string, 32)
	existing, err := CompleteSegments(f.paths.CDC)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(segments)

		for _, path := range existing {
			select {
			case segments <- path:
			case <-ctx.Done():
				return
			}
		}
		for path := range receiver.SegmentDone {
			select {
			case segments <- path:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := receiver.Run(ctx); err != nil {
			errs <- fmt.Errorf("stream receiver: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transformer.Run(segments); err != nil {
			errs <- fmt.Errorf("stream transformer: %w", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := applier.Run(ctx, transformer.SQLDone); err != nil {
			errs <- fmt.Errorf("stream applier: %w", err)
		}
		// the applier reaching its stop state ends the whole pipeline
		cancel()
	}()

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// Cleanup drops the replication slot, the origin, and the publication, once
// the migration is over.
func Cleanup(ctx context.Context, cfg *config.Config, paths *workdir.Paths, snapshots *snapshot.Manager) error {
	if err := snapshots.DropSlot(ctx); err != nil {
		return err
	}

	if err := snapshot.DropPublication(ctx, cfg); err != nil {
		return err
	}

	conn, err := pgx.Connect(ctx, cfg.TargetPgURI)
	if err != nil {
		return fmt.Errorf("connect to target: %w", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx,
		`SELECT pg_replication_origin_drop($1)
		  WHERE EXISTS
		        (SELECT 1 FROM pg_replication_origin WHERE roname = $1)`,
		cfg.Origin)
	if err != nil {
		return fmt.Errorf("drop replication origin %q: %w", cfg.Origin, err)
	}

	logger.Info("dropped replication origin", "origin", cfg.Origin)
	return nil
}
