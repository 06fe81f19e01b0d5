package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

var (
	ErrNoSnapshot     = errors.New("no snapshot is currently exported")
	ErrConnectionLost = errors.New("snapshot-holding connection was lost")
)

// Manager owns the long-lived source connection that exports and holds the
// transactional snapshot for the whole pre-data phase. When streaming is
// enabled the snapshot is exported atomically with the replication slot on a
// single replication connection instead.
type Manager struct {
	cfg   *config.Config
	paths *workdir.Paths

	// holding connection, open for as long as workers use the snapshot
	conn       *pgx.Conn
	snapshotID string

	// walsender connection that exported the slot snapshot
	slotConn pg.Connection
	slot     *SlotDescriptor
}

func NewManager(cfg *config.Config, paths *workdir.Paths) *Manager {
	return &Manager{cfg: cfg, paths: paths}
}

// Begin opens the holding connection and exports a snapshot. With streaming
// enabled the snapshot comes from slot creation, so the two agree on a start
// LSN; without it a plain repeatable-read transaction exports one.
func (m *Manager) Begin(ctx context.Context) error {
	if m.cfg.Follow {
		slot, err := m.exportReplicationSlot(ctx)
		if err != nil {
			return err
		}
		m.slot = slot
		m.snapshotID = slot.SnapshotName

		if m.snapshotID != "" {
			logger.Info("created replication slot and exported snapshot",
				"slot", slot.Name,
				"plugin", slot.Plugin,
				"consistentLSN", slot.ConsistentLSN.String(),
				"snapshot", slot.SnapshotName)
			return nil
		}

		// reused slot: the original exported snapshot is gone, take a new
		// one and rely on done-markers for what already copied
		logger.Warn("resuming with a fresh snapshot, done-markers gate re-done work")
	}

	conn, err := pgx.Connect(ctx, m.cfg.SourcePgURI)
	if err != nil {
		return fmt.Errorf("connect to source for snapshot: %w", err)
	}

	batch := []string{
		"BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY",
	}
	for _, sql := range batch {
		if _, err := conn.Exec(ctx, sql); err != nil {
			_ = conn.Close(ctx)
			return fmt.Errorf("begin snapshot transaction: %w", err)
		}
	}

	var snapshotID string
	if err := conn.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&snapshotID); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("export snapshot: %w", err)
	}

	m.conn = conn
	m.snapshotID = snapshotID

	logger.Info("exported snapshot", "snapshot", snapshotID)
	return nil
}

// SnapshotID returns the exported snapshot identifier.
func (m *Manager) SnapshotID() (string, error) {
	if m.snapshotID == "" {
		return "", ErrNoSnapshot
	}
	return m.snapshotID, nil
}

// Slot returns the replication slot descriptor, nil when not streaming.
func (m *Manager) Slot() *SlotDescriptor {
	return m.slot
}

// OpenWorkerConn opens a new source connection whose transaction sees the
// exported snapshot, for catalog queries and copy workers.
func (m *Manager) OpenWorkerConn(ctx context.Context) (*pgx.Conn, error) {
	snapshotID, err := m.SnapshotID()
	if err != nil {
		return nil, err
	}

	conn, err := pgx.Connect(ctx, m.cfg.SourcePgURI)
	if err != nil {
		return nil, fmt.Errorf("connect to source: %w", err)
	}

	setup := []string{
		"BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY",
		fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snapshotID),
	}
	for _, sql := range setup {
		if _, err := conn.Exec(ctx, sql); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("set transaction snapshot: %w", err)
		}
	}

	return conn, nil
}

// Check verifies the holding connection is still alive; a snapshot whose
// holder died cannot be re-exported, the run has to restart.
func (m *Manager) Check(ctx context.Context) error {
	if m.conn == nil {
		// slot-exported snapshots are held by the walsender connection
		if m.slotConn != nil && !m.slotConn.IsClosed() {
			return nil
		}
		if m.slot != nil {
			return nil
		}
		return ErrNoSnapshot
	}

	if err := m.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	return nil
}

// Close commits the holding transaction and releases the connection.
func (m *Manager) Close(ctx context.Context) {
	if m.conn != nil {
		if _, err := m.conn.Exec(ctx, "COMMIT"); err != nil {
			logger.Warn("commit snapshot transaction", "error", err)
		}
		_ = m.conn.Close(ctx)
		m.conn = nil
	}

	m.closeSlotConn(ctx)
	m.snapshotID = ""
}
