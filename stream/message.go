package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devinshteyn2/pgcopydb/internal/pg"
)

// Action is the kind of one logical message flowing through the pipeline.
type Action string

const (
	ActionBegin     Action = "B"
	ActionCommit    Action = "C"
	ActionInsert    Action = "I"
	ActionUpdate    Action = "U"
	ActionDelete    Action = "D"
	ActionTruncate  Action = "T"
	ActionMessage   Action = "M"
	ActionKeepalive Action = "K"
	ActionSwitch    Action = "X"
	ActionEndpos    Action = "E"
)

// Column is one column of a decoded change, in the wal2json shape every
// plugin gets normalized to.
type Column struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Change is the relation-level payload of a DML message.
type Change struct {
	Schema  string   `json:"schema,omitempty"`
	Table   string   `json:"table,omitempty"`
	Columns []Column `json:"columns,omitempty"`

	// Identity carries the old key columns of an UPDATE or DELETE.
	Identity []Column `json:"identity,omitempty"`

	// Relations lists the truncated tables of a TRUNCATE.
	Relations []string `json:"relations,omitempty"`

	// Prefix and Content carry a logical MESSAGE payload.
	Prefix  string `json:"prefix,omitempty"`
	Content string `json:"content,omitempty"`
}

// LogicalMessage is one line of a CDC segment file: the decoded message plus
// the metadata the transformer and applier route on.
type LogicalMessage struct {
	Action    Action    `json:"action"`
	XID       uint32    `json:"xid,omitempty"`
	LSN       pg.LSN    `json:"-"`
	CommitLSN pg.LSN    `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Change *Change `json:"change,omitempty"`

	// textual twins of the LSN fields, kept human-readable on disk
	LSNText       string `json:"lsn"`
	CommitLSNText string `json:"commit_lsn,omitempty"`
}

// MarshalLine encodes one message as a JSON segment-file line.
func (m *LogicalMessage) MarshalLine() ([]byte, error) {
	m.LSNText = m.LSN.String()
	if m.CommitLSN != pg.InvalidLSN {
		m.CommitLSNText = m.CommitLSN.String()
	}

	line, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode logical message: %w", err)
	}

	return line, nil
}

// UnmarshalLine decodes one segment-file line. Numbers stay json.Number so
// that numeric values survive the round-trip into SQL literals unharmed.
func UnmarshalLine(line []byte) (*LogicalMessage, error) {
	var m LogicalMessage

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode logical message: %w", err)
	}

	if m.LSNText != "" {
		lsn, err := pg.ParseLSN(m.LSNText)
		if err != nil {
			return nil, err
		}
		m.LSN = lsn
	}

	if m.CommitLSNText != "" {
		lsn, err := pg.ParseLSN(m.CommitLSNText)
		if err != nil {
			return nil, err
		}
		m.CommitLSN = lsn
	}

	return &m, nil
}
