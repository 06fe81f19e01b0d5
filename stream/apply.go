package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

// ApplyState is the applier's position in its lifecycle.
type ApplyState string

const (
	StateWaitingForSentinel ApplyState = "WAITING_FOR_SENTINEL"
	StateReady              ApplyState = "READY"
	StateInTxn              ApplyState = "IN_TXN"
	StateIdle               ApplyState = "IDLE"
	StateStopped            ApplyState = "STOPPED"
)

// Applier replays transformed SQL scripts on the target, advancing the
// replication origin inside each transaction so replay progress stays
// crash-consistent with the data.
type Applier struct {
	cfg   *config.Config
	paths *workdir.Paths

	target   *pgx.Conn
	sentinel *Sentinel

	state       ApplyState
	previousLSN pg.LSN
	replayLSN   pg.LSN
	endpos      pg.LSN

	// skipTxn is set while fast-forwarding over an already-applied txn
	skipTxn bool

	lastProgress time.Time
}

func NewApplier(cfg *config.Config, paths *workdir.Paths) *Applier {
	return &Applier{
		cfg:   cfg,
		paths: paths,
		state: StateWaitingForSentinel,
	}
}

func (a *Applier) State() ApplyState {
	return a.state
}

// Run consumes SQL script paths in order (file mode) until the cut-over
// position is reached or the feed closes.
func (a *Applier) Run(ctx context.Context, scripts <-chan string) error {
	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.teardown(ctx)

	if a.state == StateStopped {
		return nil
	}

	for path := range scripts {
		if a.state == StateStopped {
			continue
		}

		if err := a.applyFile(ctx, path); err != nil {
			return err
		}
	}

	return nil
}

// RunFromReader replays a live stream of SQL lines (live-replay mode); both
// modes flow through the same per-line state machine.
func (a *Applier) RunFromReader(ctx context.Context, r io.Reader) error {
	if err := a.setup(ctx); err != nil {
		return err
	}
	defer a.teardown(ctx)

	if a.state == StateStopped {
		return nil
	}

	return a.applyLines(ctx, r)
}

func (a *Applier) setup(ctx context.Context) error {
	sentinelConn, err := pgx.Connect(ctx, a.cfg.SourcePgURI)
	if err != nil {
		return fmt.Errorf("sentinel connection: %w", err)
	}
	a.sentinel = NewSentinel(sentinelConn)

	if err := a.waitForSentinel(ctx); err != nil {
		return err
	}

	target, err := pgx.Connect(ctx, a.cfg.TargetPgURI)
	if err != nil {
		return fmt.Errorf("target connection: %w", err)
	}
	a.target = target

	if err := a.setupOrigin(ctx); err != nil {
		return err
	}

	if a.endpos != pg.InvalidLSN && a.endpos <= a.previousLSN {
		logger.Info("current endpos was previously reached",
			"endpos", a.endpos.String(), "replayLSN", a.previousLSN.String())
		a.replayLSN = a.previousLSN
		a.state = StateStopped
		return nil
	}

	a.state = StateReady

	logger.Info("replaying changes",
		"from", a.previousLSN.String(),
		"endpos", a.endpos.String(),
		"origin", a.cfg.Origin)

	return nil
}

// waitForSentinel blocks until the sentinel allows applying; the bulk copy
// flips the flag once the schema and data are in place.
func (a *Applier) waitForSentinel(ctx context.Context) error {
	for {
		row, err := a.sentinel.Get(ctx)
		if err != nil {
			return err
		}

		a.endpos = a.cfg.Endpos
		if row.Endpos != pg.InvalidLSN {
			a.endpos = row.Endpos
		}

		if row.Apply {
			return nil
		}

		logger.Debug("waiting for sentinel apply to be enabled")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// setupOrigin creates the replication origin when missing, attaches the
// session to it, and reads back the restart position.
func (a *Applier) setupOrigin(ctx context.Context) error {
	var originOID *uint32
	err := a.target.QueryRow(ctx,
		"SELECT roident FROM pg_replication_origin WHERE roname = $1",
		a.cfg.Origin).Scan(&originOID)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := a.target.Exec(ctx,
			"SELECT pg_replication_origin_create($1)", a.cfg.Origin); err != nil {
			return fmt.Errorf("create replication origin %q: %w", a.cfg.Origin, err)
		}
		logger.Info("created replication origin", "origin", a.cfg.Origin)
	case err != nil:
		return fmt.Errorf("lookup replication origin %q: %w", a.cfg.Origin, err)
	}

	var progress *string
	err = a.target.QueryRow(ctx,
		"SELECT pg_replication_origin_progress($1, false)", a.cfg.Origin).Scan(&progress)
	if err != nil {
		return fmt.Errorf("read replication origin progress: %w", err)
	}

	if progress != nil {
		lsn, err := pg.ParseLSN(*progress)
		if err != nil {
			return err
		}
		a.previousLSN = lsn
		a.replayLSN = lsn
	}

	if _, err := a.target.Exec(ctx,
		"SELECT pg_replication_origin_session_setup($1)", a.cfg.Origin); err != nil {
		return fmt.Errorf("attach to replication origin: %w", err)
	}

	if err := os.WriteFile(a.paths.OriginFile, []byte(a.cfg.Origin+"\n"), 0o644); err != nil {
		return fmt.Errorf("write origin file: %w", err)
	}

	return nil
}

// teardown performs the mandatory final synchronous sentinel sync, after the
// last COMMIT, on every exit path.
func (a *Applier) teardown(ctx context.Context) {
	if a.sentinel != nil {
		// a canceled context must not prevent the final sync
		syncCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := a.sentinel.DrainReplay(); err != nil {
			logger.Warn("drain in-flight sentinel update", "error", err)
		}

		if _, err := a.sentinel.UpdateReplay(syncCtx, a.replayLSN); err != nil {
			logger.Error("final sentinel update failed",
				"replayLSN", a.replayLSN.String(), "error", err)
		}

		_ = a.sentinel.conn.Close(syncCtx)
	}

	if a.target != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.target.Close(closeCtx)
	}
}

func (a *Applier) applyFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sql script: %w", err)
	}
	defer f.Close()

	logger.Info("applying script", "script", path)

	return a.applyLines(ctx, f)
}

func (a *Applier) applyLines(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if a.state == StateStopped {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := a.applyLine(ctx, line); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read sql stream: %w", err)
	}

	return nil
}

func (a *Applier) applyLine(ctx context.Context, line string) error {
	switch {
	case strings.HasPrefix(line, "BEGIN;"):
		return a.applyBegin(ctx, line)
	case strings.HasPrefix(line, "COMMIT;"):
		return a.applyCommit(ctx, line)
	case strings.HasPrefix(line, "-- KEEPALIVE"):
		return a.applyKeepalive(ctx, line)
	case strings.HasPrefix(line, "-- ENDPOS"):
		return a.applyEndpos(line)
	case strings.HasPrefix(line, "--"):
		return nil
	default:
		return a.applyStatement(ctx, line)
	}
}

func (a *Applier) applyBegin(ctx context.Context, line string) error {
	meta, err := parseLineMeta(line)
	if err != nil {
		return err
	}

	commitLSN, err := pg.ParseLSN(meta.CommitLSN)
	if err != nil {
		return err
	}

	// transactions at or below the origin progress were already applied
	if commitLSN <= a.previousLSN {
		logger.Notice("skipping duplicate transaction",
			"commitLSN", commitLSN.String(), "previousLSN", a.previousLSN.String())
		a.skipTxn = true
		a.state = StateInTxn
		return nil
	}

	if _, err := a.target.Exec(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	a.skipTxn = false
	a.state = StateInTxn
	return nil
}

func (a *Applier) applyCommit(ctx context.Context, line string) error {
	meta, err := parseLineMeta(line)
	if err != nil {
		return err
	}

	commitLSN, err := pg.ParseLSN(meta.CommitLSN)
	if err != nil {
		return err
	}

	if a.skipTxn {
		a.skipTxn = false
		a.state = StateIdle
		return a.maybeProgress(ctx)
	}

	// the origin marker moves inside the transaction: crash leaves data and
	// progress consistent
	timestamp := meta.Timestamp
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	_, err = a.target.Exec(ctx,
		"SELECT pg_replication_origin_xact_setup($1, $2)",
		commitLSN.String(), timestamp)
	if err != nil {
		return fmt.Errorf("replication origin xact setup: %w", err)
	}

	if _, err := a.target.Exec(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	a.previousLSN = commitLSN
	a.replayLSN = commitLSN
	a.state = StateIdle

	if a.endpos != pg.InvalidLSN && commitLSN >= a.endpos {
		logger.Info("reached endpos, stopping the applier",
			"endpos", a.endpos.String(), "replayLSN", commitLSN.String())
		a.state = StateStopped
		return nil
	}

	return a.maybeProgress(ctx)
}

func (a *Applier) applyKeepalive(ctx context.Context, line string) error {
	meta, err := parseLineMeta(line)
	if err != nil {
		return err
	}

	if meta.LSN != "" && a.state != StateInTxn {
		lsn, err := pg.ParseLSN(meta.LSN)
		if err != nil {
			return err
		}
		if lsn > a.replayLSN && a.endpos != pg.InvalidLSN && lsn >= a.endpos {
			// the stream is past endpos with nothing left to commit
			a.state = StateStopped
			return nil
		}
	}

	return a.maybeProgress(ctx)
}

func (a *Applier) applyEndpos(line string) error {
	meta, err := parseLineMeta(line)
	if err != nil {
		return err
	}

	lsn, err := pg.ParseLSN(meta.LSN)
	if err != nil {
		return err
	}

	if a.state != StateInTxn && a.replayLSN <= lsn {
		logger.Info("stream ended at endpos", "endpos", lsn.String(),
			"replayLSN", a.replayLSN.String())
		a.state = StateStopped
	}

	return nil
}

func (a *Applier) applyStatement(ctx context.Context, sql string) error {
	if a.state != StateInTxn {
		return fmt.Errorf("statement outside transaction: %q", truncateSQLForLog(sql))
	}

	if a.skipTxn {
		return nil
	}

	if _, err := a.target.Exec(ctx, sql); err != nil {
		if a.isDuplicateError(err) {
			// deterministic duplicate of an already-applied transaction:
			// roll back and fast-forward to its COMMIT
			logger.Notice("skipping already applied transaction on duplicate error",
				"error", err)
			if _, rbErr := a.target.Exec(ctx, "ROLLBACK"); rbErr != nil {
				return fmt.Errorf("rollback duplicate transaction: %w", rbErr)
			}
			a.skipTxn = true
			return nil
		}
		return fmt.Errorf("apply statement %q: %w", truncateSQLForLog(sql), err)
	}

	return nil
}

// isDuplicateError recognizes the deterministic-duplicate error class:
// unique or exclusion violations while replaying below a known position.
func (a *Applier) isDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	switch pgErr.Code {
	case "23505", "23P01":
		return true
	}
	return false
}

// maybeProgress reports replay_lsn to the sentinel, at most once a second,
// asynchronously. The previous in-flight update is drained first. Syncing
// also refreshes endpos: the operator may move the cut-over while we run.
func (a *Applier) maybeProgress(ctx context.Context) error {
	if a.sentinel.InFlight() {
		if err := a.sentinel.DrainReplay(); err != nil {
			return err
		}
		return nil
	}

	if time.Since(a.lastProgress) < time.Second {
		return nil
	}

	row, err := a.sentinel.Get(ctx)
	if err != nil {
		return err
	}

	if row.Endpos != pg.InvalidLSN {
		a.endpos = row.Endpos
		if a.endpos <= a.replayLSN {
			logger.Info("endpos was reached already",
				"endpos", a.endpos.String(), "replayLSN", a.replayLSN.String())
			a.state = StateStopped
			return nil
		}
	}

	if err := a.sentinel.SendReplayAsync(ctx, a.replayLSN); err != nil {
		return err
	}

	a.lastProgress = time.Now()
	return nil
}

func parseLineMeta(line string) (TxnMeta, error) {
	var meta TxnMeta

	idx := strings.Index(line, "{")
	if idx < 0 {
		return meta, nil
	}

	if err := json.Unmarshal([]byte(line[idx:]), &meta); err != nil {
		return meta, fmt.Errorf("parse line metadata %q: %w", line, err)
	}

	return meta, nil
}

func truncateSQLForLog(sql string) string {
	if len(sql) > 120 {
		return sql[:120] + "..."
	}
	return sql
}
