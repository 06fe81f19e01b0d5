package supervisor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/catalog"
	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
)

// SyncSequences sets every sequence on the target to the source's current
// value, on fresh connections and outside any snapshot: with follow enabled
// the values moved while changes were streaming, so the "new" current values
// are wanted, not the ones of the exported snapshot. With follow, this runs
// after the applier reached endpos.
func SyncSequences(ctx context.Context, cfg *config.Config) error {
	srcConn, err := pgx.Connect(ctx, cfg.SourcePgURI)
	if err != nil {
		return fmt.Errorf("connect to source: %w", err)
	}
	defer srcConn.Close(ctx)

	sequences, err := catalog.FetchSequences(ctx, srcConn, cfg)
	if err != nil {
		return err
	}

	if len(sequences) == 0 {
		return nil
	}

	if err := catalog.RefreshSequenceValues(ctx, srcConn, sequences); err != nil {
		return err
	}

	dstConn, err := pgx.Connect(ctx, cfg.TargetPgURI)
	if err != nil {
		return fmt.Errorf("connect to target: %w", err)
	}
	defer dstConn.Close(ctx)

	for _, seq := range sequences {
		_, err := dstConn.Exec(ctx, "SELECT setval($1, $2, $3)",
			pg.QualifiedName(seq.Namespace, seq.Name), seq.LastValue, seq.IsCalled)
		if err != nil {
			return fmt.Errorf("reset sequence %s.%s: %w", seq.Namespace, seq.Name, err)
		}
	}

	logger.Info("reset sequence values on the target", "sequences", len(sequences))
	return nil
}
