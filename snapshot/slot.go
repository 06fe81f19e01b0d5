package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
)

var (
	ErrSlotExists   = errors.New("replication slot already exists")
	ErrSlotMismatch = errors.New("existing replication slot does not match this run")
)

// SlotDescriptor is persisted to the work directory so a resumed run can
// verify it reconnects to the same slot with the same plugin.
type SlotDescriptor struct {
	Name          string        `json:"name"`
	Plugin        config.Plugin `json:"plugin"`
	ConsistentLSN pg.LSN        `json:"consistent_lsn"`
	SnapshotName  string        `json:"snapshot_name"`
}

// exportReplicationSlot creates the logical slot and exports its snapshot in
// the same server transaction, on one replication connection. The walsender
// connection is kept open: closing it would release the exported snapshot.
func (m *Manager) exportReplicationSlot(ctx context.Context) (*SlotDescriptor, error) {
	if persisted, err := m.readSlotFile(); err == nil {
		return m.reuseSlot(ctx, persisted)
	}

	conn, err := pg.NewConnection(ctx, m.cfg.ReplicationDSN())
	if err != nil {
		return nil, fmt.Errorf("replication connection: %w", err)
	}

	sql := fmt.Sprintf("CREATE_REPLICATION_SLOT %s LOGICAL %s (SNAPSHOT 'export')",
		m.cfg.SlotName, m.cfg.Plugin)

	reader := conn.Exec(ctx, sql)
	results, err := reader.ReadAll()
	if err != nil {
		_ = conn.Close(ctx)
		// atomic slot+snapshot creation is not retryable
		return nil, fmt.Errorf("create replication slot %q: %w", m.cfg.SlotName, err)
	}

	if len(results) == 0 || len(results[0].Rows) != 1 || len(results[0].Rows[0]) < 3 {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("create replication slot %q: unexpected response shape",
			m.cfg.SlotName)
	}

	row := results[0].Rows[0]

	consistentLSN, err := pg.ParseLSN(string(row[1]))
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("create replication slot %q: %w", m.cfg.SlotName, err)
	}

	slot := &SlotDescriptor{
		Name:          string(row[0]),
		Plugin:        m.cfg.Plugin,
		ConsistentLSN: consistentLSN,
		SnapshotName:  string(row[2]),
	}

	if err := m.writeSlotFile(slot); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	m.slotConn = conn
	return slot, nil
}

// reuseSlot accepts an existing slot only when the configured slot name and
// plugin match what this work directory recorded and the live slot uses that
// plugin; anything else is a different run. The recorded consistent LSN is
// not compared with the live slot's position.
func (m *Manager) reuseSlot(ctx context.Context, persisted *SlotDescriptor) (*SlotDescriptor, error) {
	if persisted.Name != m.cfg.SlotName || persisted.Plugin != m.cfg.Plugin {
		return nil, fmt.Errorf("%w: slot %q plugin %q, recorded %q plugin %q",
			ErrSlotMismatch,
			m.cfg.SlotName, m.cfg.Plugin,
			persisted.Name, persisted.Plugin)
	}

	info, err := m.slotInfo(ctx)
	if err != nil {
		return nil, err
	}

	if info.Plugin != string(persisted.Plugin) {
		return nil, fmt.Errorf("%w: slot %q uses plugin %q, recorded %q",
			ErrSlotMismatch, persisted.Name, info.Plugin, persisted.Plugin)
	}

	logger.Info("reusing replication slot from a previous run",
		"slot", persisted.Name,
		"consistentLSN", persisted.ConsistentLSN.String())

	// the snapshot from the original creation is gone; resumed runs rely on
	// done-markers instead of re-exporting one
	persisted.SnapshotName = ""

	return persisted, nil
}

type slotInfo struct {
	Plugin            string
	Active            bool
	RestartLSN        pg.LSN
	ConfirmedFlushLSN pg.LSN
}

func (m *Manager) slotInfo(ctx context.Context) (*slotInfo, error) {
	conn, err := pg.NewConnection(ctx, m.cfg.SourcePgURI)
	if err != nil {
		return nil, fmt.Errorf("slot info connection: %w", err)
	}
	defer conn.Close(ctx)

	sql := fmt.Sprintf(
		"SELECT plugin, active, restart_lsn, confirmed_flush_lsn"+
			" FROM pg_replication_slots WHERE slot_name = %s",
		pg.QuoteLiteral(m.cfg.SlotName))

	reader := conn.Exec(ctx, sql)
	results, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("replication slot info: %w", err)
	}

	if len(results) == 0 || len(results[0].Rows) == 0 {
		return nil, fmt.Errorf("replication slot %q does not exist", m.cfg.SlotName)
	}

	row := results[0].Rows[0]
	info := &slotInfo{
		Plugin: string(row[0]),
		Active: string(row[1]) == "t",
	}
	info.RestartLSN, _ = pg.ParseLSN(string(row[2]))
	info.ConfirmedFlushLSN, _ = pg.ParseLSN(string(row[3]))

	return info, nil
}

// DropSlot removes the replication slot and the persisted descriptor, for
// stream cleanup.
func (m *Manager) DropSlot(ctx context.Context) error {
	conn, err := pg.NewConnection(ctx, m.cfg.ReplicationDSN())
	if err != nil {
		return fmt.Errorf("replication connection: %w", err)
	}
	defer conn.Close(ctx)

	sql := fmt.Sprintf("DROP_REPLICATION_SLOT %s WAIT", m.cfg.SlotName)

	reader := conn.Exec(ctx, sql)
	if _, err := reader.ReadAll(); err != nil {
		return fmt.Errorf("drop replication slot %q: %w", m.cfg.SlotName, err)
	}

	if err := os.Remove(m.paths.SlotFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove slot file: %w", err)
	}

	logger.Info("dropped replication slot", "slot", m.cfg.SlotName)
	return nil
}

func (m *Manager) readSlotFile() (*SlotDescriptor, error) {
	contents, err := os.ReadFile(m.paths.SlotFile)
	if err != nil {
		return nil, err
	}

	var slot SlotDescriptor
	if err := json.Unmarshal(contents, &slot); err != nil {
		return nil, fmt.Errorf("parse slot file %q: %w", m.paths.SlotFile, err)
	}

	return &slot, nil
}

func (m *Manager) writeSlotFile(slot *SlotDescriptor) error {
	contents, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("encode slot descriptor: %w", err)
	}

	if err := os.WriteFile(m.paths.SlotFile, contents, 0o644); err != nil {
		return fmt.Errorf("write slot file %q: %w", m.paths.SlotFile, err)
	}

	return nil
}

func (m *Manager) closeSlotConn(ctx context.Context) {
	if m.slotConn != nil && !m.slotConn.IsClosed() {
		_ = m.slotConn.Close(ctx)
	}
	m.slotConn = nil
}
