package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/snapshot"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

// Receiver consumes the logical-decoding stream and persists it as JSON
// segment files, acknowledging progress back to the source from the
// sentinel's write/flush/replay values.
type Receiver struct {
	cfg   *config.Config
	paths *workdir.Paths
	slot  *snapshot.SlotDescriptor

	// SegmentDone announces each completed segment file to the transformer.
	SegmentDone chan string

	conn     pg.Connection
	decoder  Decoder
	system   *pg.IdentifySystemResult
	walSegSz uint64
	writer   *segmentWriter

	sentinel     *Sentinel
	lastSync     time.Time
	lastSentinel *SentinelRow
}

func NewReceiver(cfg *config.Config, paths *workdir.Paths, slot *snapshot.SlotDescriptor) *Receiver {
	return &Receiver{
		cfg:         cfg,
		paths:       paths,
		slot:        slot,
		decoder:     NewDecoder(cfg.Plugin, cfg.Strict),
		SegmentDone: make(chan string, 16),
	}
}

// Run streams until endpos is reached or the context is canceled.
func (r *Receiver) Run(ctx context.Context) error {
	defer close(r.SegmentDone)

	sentinelConn, err := pgx.Connect(ctx, r.cfg.SourcePgURI)
	if err != nil {
		return fmt.Errorf("sentinel connection: %w", err)
	}
	defer sentinelConn.Close(context.Background())

	r.sentinel = NewSentinel(sentinelConn)

	row, err := r.sentinel.Get(ctx)
	if err != nil {
		return err
	}
	r.lastSentinel = row

	startLSN, err := r.startPosition(row)
	if err != nil {
		return err
	}

	if err := r.connect(ctx); err != nil {
		return err
	}
	defer r.conn.Close(context.Background())

	r.writer = newSegmentWriter(r.paths.CDC, r.system.Timeline, r.walSegSz)

	if err := r.startReplication(startLSN); err != nil {
		return err
	}

	logger.Info("receiving changes",
		"slot", r.slot.Name,
		"plugin", string(r.cfg.Plugin),
		"startLSN", startLSN.String())

	err = r.receiveLoop(ctx)

	if closeErr := r.writer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if r.writer.segment != "" {
		r.announceSegment(r.writer.finalPath(r.writer.segment))
	}

	return err
}

// startPosition resumes from the furthest of the slot's consistent point,
// the sentinel's flushed position, and what segment files already hold.
func (r *Receiver) startPosition(row *SentinelRow) (pg.LSN, error) {
	start := r.slot.ConsistentLSN

	if row.FlushLSN > start {
		start = row.FlushLSN
	}

	resume, err := ResumeLSN(r.paths.CDC)
	if err != nil {
		return pg.InvalidLSN, err
	}
	if resume > start {
		start = resume
	}

	return start, nil
}

func (r *Receiver) connect(ctx context.Context) error {
	conn, err := pg.NewConnection(ctx, r.cfg.ReplicationDSN())
	if err != nil {
		return fmt.Errorf("replication connection: %w", err)
	}

	system, err := pg.IdentifySystem(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return err
	}

	walSegSz, err := pg.WalSegmentSize(ctx, conn)
	if err != nil {
		logger.Warn("could not read wal_segment_size, using default", "error", err)
		walSegSz = pg.DefaultWalSegmentSize
	}

	r.conn = conn
	r.system = system
	r.walSegSz = walSegSz

	logger.Info("system identification",
		"systemID", system.SystemID,
		"timeline", system.Timeline,
		"xLogPos", system.LoadXLogPos().String(),
		"walSegSz", walSegSz)

	return nil
}

func (r *Receiver) pluginArguments() []string {
	switch r.cfg.Plugin {
	case config.PluginPgOutput:
		return []string{
			"proto_version '1'",
			"publication_names '" + r.cfg.SlotName + "'",
		}
	case config.PluginTestDecoding:
		return []string{
			"include-xids 'true'",
			"include-timestamp 'true'",
		}
	default:
		return []string{
			"format-version '2'",
			"include-xids 'true'",
			"include-timestamp 'true'",
			"include-lsn 'true'",
		}
	}
}

func (r *Receiver) startReplication(startLSN pg.LSN) error {
	sql := fmt.Sprintf("START_REPLICATION SLOT %s LOGICAL %s (%s)",
		r.slot.Name, startLSN, strings.Join(r.pluginArguments(), ", "))

	r.conn.Frontend().SendQuery(&pgproto3.Query{String: sql})
	if err := r.conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	return nil
}

func (r *Receiver) receiveLoop(ctx context.Context) error {
	copyMode := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgCtx, cancel := context.WithDeadline(ctx, time.Now().Add(300*time.Millisecond))
		rawMsg, err := r.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if pgconn.Timeout(err) {
				if syncErr := r.maybeSync(ctx, false); syncErr != nil {
					return syncErr
				}
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive replication message: %w", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.CopyBothResponse:
			copyMode = true
			continue

		case *pgproto3.ErrorResponse:
			// the slot stays in place for human inspection
			return fmt.Errorf("replication protocol error: %s", msg.Message)

		case *pgproto3.CopyData:
			if !copyMode {
				return errors.New("replication protocol violation: CopyData before CopyBothResponse")
			}

			stop, err := r.handleCopyData(ctx, msg.Data)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}

		case *pgproto3.NoticeResponse, *pgproto3.ParameterStatus:
			continue

		default:
			logger.Debug("ignoring replication message", "type", fmt.Sprintf("%T", rawMsg))
		}
	}
}

func (r *Receiver) handleCopyData(ctx context.Context, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}

	switch data[0] {
	case pg.PrimaryKeepaliveMessageByteID:
		pka, err := pg.ParsePrimaryKeepalive(data[1:])
		if err != nil {
			return false, fmt.Errorf("replication protocol violation: %w", err)
		}

		keepalive := &LogicalMessage{
			Action:    ActionKeepalive,
			LSN:       pka.ServerWALEnd,
			Timestamp: pka.ServerTime,
		}
		if err := r.writer.Write(keepalive); err != nil {
			return false, err
		}

		if err := r.maybeSync(ctx, pka.ReplyRequested); err != nil {
			return false, err
		}

		return r.checkEndpos(pka.ServerWALEnd)

	case pg.XLogDataByteID:
		xld, err := pg.ParseXLogData(data[1:])
		if err != nil {
			return false, fmt.Errorf("replication protocol violation: %w", err)
		}

		messages, err := r.decoder.Decode(xld.WALData, xld.WALStart, xld.ServerTime)
		if err != nil {
			return false, err
		}

		previous := r.writer.segment
		for _, msg := range messages {
			if err := r.writer.Write(msg); err != nil {
				return false, err
			}
		}
		if previous != "" && previous != r.writer.segment {
			r.announceSegment(r.writer.finalPath(previous))
		}

		return r.checkEndpos(xld.WALStart)

	default:
		return false, fmt.Errorf("replication protocol violation: copy byte %q", data[0])
	}
}

// maybeSync flushes segment data, refreshes the sentinel, and sends a
// standby status update, rate-limited to one per second unless the server
// asked for an immediate reply.
func (r *Receiver) maybeSync(ctx context.Context, force bool) error {
	if !force && time.Since(r.lastSync) < time.Second {
		return nil
	}

	if err := r.writer.Sync(); err != nil {
		return err
	}

	row, err := r.sentinel.UpdateWriteFlush(ctx, r.writer.lastWritten, r.writer.lastFlushed)
	if err != nil {
		return err
	}
	r.lastSentinel = row

	err = pg.SendStandbyStatusUpdate(ctx, r.conn,
		row.WriteLSN, row.FlushLSN, row.ReplayLSN, false)
	if err != nil {
		return err
	}

	r.lastSync = time.Now()

	logger.Debug("sent standby status update",
		"write", row.WriteLSN.String(),
		"flush", row.FlushLSN.String(),
		"apply", row.ReplayLSN.String())

	return nil
}

// checkEndpos stops the stream once the feed has moved past endpos; the
// ENDPOS sentinel line tells the transformer where the applier must stop.
func (r *Receiver) checkEndpos(lsn pg.LSN) (bool, error) {
	endpos := r.cfg.Endpos
	if r.lastSentinel != nil && r.lastSentinel.Endpos != pg.InvalidLSN {
		endpos = r.lastSentinel.Endpos
	}

	if endpos == pg.InvalidLSN || lsn < endpos {
		return false, nil
	}

	endposMsg := &LogicalMessage{Action: ActionEndpos, LSN: endpos}
	if err := r.writer.Write(endposMsg); err != nil {
		return false, err
	}

	logger.Info("reached endpos, stopping the receiver",
		"endpos", endpos.String(), "lsn", lsn.String())

	return true, nil
}

func (r *Receiver) announceSegment(path string) {
	select {
	case r.SegmentDone <- path:
	default:
		// the transformer scans the directory on its own as well
		logger.Debug("segment notification queue full", "segment", path)
	}
}
