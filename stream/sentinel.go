package stream

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
)

// SentinelRow is the single control row shared by the receiver and the
// applier through the source database.
type SentinelRow struct {
	Startpos  pg.LSN
	Endpos    pg.LSN
	Apply     bool
	WriteLSN  pg.LSN
	FlushLSN  pg.LSN
	ReplayLSN pg.LSN
}

// Sentinel wraps the pgcopydb.sentinel table on the source. The applier's
// instance owns its connection exclusively and mixes blocking reads with one
// in-flight asynchronous replay_lsn update.
type Sentinel struct {
	conn *pgx.Conn

	// inFlight is non-nil while an asynchronous update awaits its result
	inFlight chan error
}

func NewSentinel(conn *pgx.Conn) *Sentinel {
	return &Sentinel{conn: conn}
}

const sentinelDDL = `
CREATE SCHEMA IF NOT EXISTS pgcopydb;
CREATE TABLE IF NOT EXISTS pgcopydb.sentinel
 (
   startpos   pg_lsn,
   endpos     pg_lsn,
   apply      bool,
   write_lsn  pg_lsn,
   flush_lsn  pg_lsn,
   replay_lsn pg_lsn
 );`

// Setup creates the sentinel table and resets its single row.
func (s *Sentinel) Setup(ctx context.Context, startpos, endpos pg.LSN) error {
	if _, err := s.conn.PgConn().Exec(ctx, sentinelDDL).ReadAll(); err != nil {
		return fmt.Errorf("create sentinel table: %w", err)
	}

	if _, err := s.conn.Exec(ctx, "TRUNCATE pgcopydb.sentinel"); err != nil {
		return fmt.Errorf("reset sentinel row: %w", err)
	}

	_, err := s.conn.Exec(ctx,
		`INSERT INTO pgcopydb.sentinel
		   (startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn)
		 VALUES ($1, $2, false, '0/0', '0/0', '0/0')`,
		startpos.String(), endpos.String())
	if err != nil {
		return fmt.Errorf("insert sentinel row: %w", err)
	}

	logger.Info("sentinel table ready",
		"startpos", startpos.String(), "endpos", endpos.String())
	return nil
}

const sentinelSelect = `
SELECT startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn
  FROM pgcopydb.sentinel`

func (s *Sentinel) Get(ctx context.Context) (*SentinelRow, error) {
	row := s.conn.QueryRow(ctx, sentinelSelect)
	return scanSentinelRow(row)
}

func scanSentinelRow(row pgx.Row) (*SentinelRow, error) {
	var startpos, endpos, writeLSN, flushLSN, replayLSN string
	var apply bool

	err := row.Scan(&startpos, &endpos, &apply, &writeLSN, &flushLSN, &replayLSN)
	if err != nil {
		return nil, fmt.Errorf("read sentinel row: %w", err)
	}

	sentinel := &SentinelRow{Apply: apply}
	for _, field := range []struct {
		dst *pg.LSN
		src string
	}{
		{&sentinel.Startpos, startpos},
		{&sentinel.Endpos, endpos},
		{&sentinel.WriteLSN, writeLSN},
		{&sentinel.FlushLSN, flushLSN},
		{&sentinel.ReplayLSN, replayLSN},
	} {
		lsn, err := pg.ParseLSN(field.src)
		if err != nil {
			return nil, err
		}
		*field.dst = lsn
	}

	return sentinel, nil
}

// UpdateApply flips the apply flag, which releases or pauses the applier.
func (s *Sentinel) UpdateApply(ctx context.Context, apply bool) (*SentinelRow, error) {
	row := s.conn.QueryRow(ctx,
		`UPDATE pgcopydb.sentinel SET apply = $1
		 RETURNING startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn`,
		apply)
	return scanSentinelRow(row)
}

// UpdateEndpos moves the cut-over position.
func (s *Sentinel) UpdateEndpos(ctx context.Context, endpos pg.LSN) (*SentinelRow, error) {
	row := s.conn.QueryRow(ctx,
		`UPDATE pgcopydb.sentinel SET endpos = $1
		 RETURNING startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn`,
		endpos.String())
	return scanSentinelRow(row)
}

// UpdateWriteFlush records the receiver's progress.
func (s *Sentinel) UpdateWriteFlush(ctx context.Context, write, flush pg.LSN) (*SentinelRow, error) {
	row := s.conn.QueryRow(ctx,
		`UPDATE pgcopydb.sentinel SET write_lsn = $1, flush_lsn = $2
		 RETURNING startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn`,
		write.String(), flush.String())
	return scanSentinelRow(row)
}

// UpdateReplay records the applier's progress synchronously.
func (s *Sentinel) UpdateReplay(ctx context.Context, replay pg.LSN) (*SentinelRow, error) {
	row := s.conn.QueryRow(ctx,
		`UPDATE pgcopydb.sentinel SET replay_lsn = $1
		 RETURNING startpos, endpos, apply, write_lsn, flush_lsn, replay_lsn`,
		replay.String())
	return scanSentinelRow(row)
}

// SendReplayAsync issues the replay_lsn update without waiting for the
// result. The connection is exclusive to this Sentinel, so the only
// concurrency is the single in-flight query tracked here.
func (s *Sentinel) SendReplayAsync(ctx context.Context, replay pg.LSN) error {
	if s.inFlight != nil {
		if err := s.DrainReplay(); err != nil {
			return err
		}
	}

	done := make(chan error, 1)
	s.inFlight = done

	go func() {
		_, err := s.conn.Exec(ctx,
			"UPDATE pgcopydb.sentinel SET replay_lsn = $1", replay.String())
		done <- err
	}()

	return nil
}

// InFlight reports whether an asynchronous update is pending.
func (s *Sentinel) InFlight() bool {
	return s.inFlight != nil
}

// DrainReplay waits for the pending asynchronous update, if any.
func (s *Sentinel) DrainReplay() error {
	if s.inFlight == nil {
		return nil
	}

	err := <-s.inFlight
	s.inFlight = nil

	if err != nil {
		return fmt.Errorf("async sentinel update: %w", err)
	}
	return nil
}
