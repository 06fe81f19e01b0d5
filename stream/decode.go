package stream

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
)

var ErrUnknownMessageShape = errors.New("unknown logical message shape")

// Decoder turns one logical-decoding payload into logical messages. Every
// plugin normalizes into the same wal2json-like Change shape so the
// transformer has a single dialect to rewrite.
type Decoder interface {
	Decode(walData []byte, walStart pg.LSN, serverTime time.Time) ([]*LogicalMessage, error)
}

// NewDecoder picks the decoder matching the slot's output plugin. With
// strict unset, payloads the decoder does not understand are logged and
// skipped; strict makes them fatal.
func NewDecoder(plugin config.Plugin, strict bool) Decoder {
	switch plugin {
	case config.PluginPgOutput:
		return &pgoutputDecoder{
			relations: make(map[uint32]*relation),
			typeMap:   pgtype.NewMap(),
			strict:    strict,
		}
	case config.PluginTestDecoding:
		return &testDecodingDecoder{strict: strict}
	default:
		return &wal2jsonDecoder{strict: strict}
	}
}

/*
 * wal2json, format-version 2: the payload already is one JSON document per
 * change, so decoding is mostly relabeling.
 */

type wal2jsonDecoder struct {
	strict bool
}

type wal2jsonEnvelope struct {
	Action    string   `json:"action"`
	XID       uint32   `json:"xid"`
	Timestamp string   `json:"timestamp"`
	Schema    string   `json:"schema"`
	Table     string   `json:"table"`
	Columns   []Column `json:"columns"`
	Identity  []Column `json:"identity"`
	Prefix    string   `json:"prefix"`
	Content   string   `json:"content"`
}

func (d *wal2jsonDecoder) Decode(walData []byte, walStart pg.LSN, serverTime time.Time) ([]*LogicalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(walData))
	dec.UseNumber()

	var envelope wal2jsonEnvelope
	if err := dec.Decode(&envelope); err != nil {
		return d.unknown(fmt.Errorf("%w: %v", ErrUnknownMessageShape, err))
	}

	msg := &LogicalMessage{
		XID:       envelope.XID,
		LSN:       walStart,
		Timestamp: serverTime,
	}

	switch envelope.Action {
	case "B":
		msg.Action = ActionBegin
	case "C":
		msg.Action = ActionCommit
		msg.CommitLSN = walStart
	case "I", "U", "D":
		msg.Action = Action(envelope.Action)
		msg.Change = &Change{
			Schema:   envelope.Schema,
			Table:    envelope.Table,
			Columns:  envelope.Columns,
			Identity: envelope.Identity,
		}
	case "T":
		msg.Action = ActionTruncate
		msg.Change = &Change{
			Relations: []string{envelope.Schema + "." + envelope.Table},
		}
	case "M":
		msg.Action = ActionMessage
		msg.Change = &Change{Prefix: envelope.Prefix, Content: envelope.Content}
	default:
		return d.unknown(fmt.Errorf("%w: wal2json action %q", ErrUnknownMessageShape, envelope.Action))
	}

	return []*LogicalMessage{msg}, nil
}

func (d *wal2jsonDecoder) unknown(err error) ([]*LogicalMessage, error) {
	if d.strict {
		return nil, err
	}
	logger.Warn("skipping logical message", "error", err)
	return nil, nil
}

/*
 * pgoutput: the binary protocol of built-in logical replication. Relation
 * messages populate a cache that later tuples resolve against.
 */

type relation struct {
	Namespace string
	Name      string
	Columns   []relationColumn
}

type relationColumn struct {
	Name    string
	TypeOID uint32
	Flags   uint8
}

type pgoutputDecoder struct {
	relations map[uint32]*relation
	typeMap   *pgtype.Map
	strict    bool

	// current transaction metadata, filled by Begin
	commitLSN pg.LSN
	xid       uint32
}

func (d *pgoutputDecoder) Decode(walData []byte, walStart pg.LSN, serverTime time.Time) ([]*LogicalMessage, error) {
	if len(walData) == 0 {
		return nil, nil
	}

	buf := walData[1:]

	switch walData[0] {
	case 'B':
		if len(buf) < 20 {
			return d.unknown(fmt.Errorf("%w: short Begin", ErrUnknownMessageShape))
		}
		d.commitLSN = pg.LSN(binary.BigEndian.Uint64(buf))
		d.xid = binary.BigEndian.Uint32(buf[16:])
		return []*LogicalMessage{{
			Action:    ActionBegin,
			XID:       d.xid,
			LSN:       walStart,
			CommitLSN: d.commitLSN,
			Timestamp: serverTime,
		}}, nil

	case 'C':
		if len(buf) < 25 {
			return d.unknown(fmt.Errorf("%w: short Commit", ErrUnknownMessageShape))
		}
		commitLSN := pg.LSN(binary.BigEndian.Uint64(buf[1:]))
		return []*LogicalMessage{{
			Action:    ActionCommit,
			XID:       d.xid,
			LSN:       commitLSN,
			CommitLSN: commitLSN,
			Timestamp: serverTime,
		}}, nil

	case 'R':
		if err := d.decodeRelation(buf); err != nil {
			return d.unknown(err)
		}
		return nil, nil

	case 'I':
		return d.decodeDML(ActionInsert, buf, walStart, serverTime)

	case 'U':
		return d.decodeDML(ActionUpdate, buf, walStart, serverTime)

	case 'D':
		return d.decodeDML(ActionDelete, buf, walStart, serverTime)

	case 'T':
		return d.decodeTruncate(buf, walStart, serverTime)

	case 'M':
		return d.decodeLogical(buf, walStart, serverTime)

	case 'Y', 'O':
		// type and origin messages carry nothing we replay
		return nil, nil

	default:
		return d.unknown(fmt.Errorf("%w: pgoutput byte %q", ErrUnknownMessageShape, walData[0]))
	}
}

func (d *pgoutputDecoder) unknown(err error) ([]*LogicalMessage, error) {
	if d.strict {
		return nil, err
	}
	logger.Warn("skipping logical message", "error", err)
	return nil, nil
}

func (d *pgoutputDecoder) decodeRelation(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("%w: short Relation", ErrUnknownMessageShape)
	}

	oid := binary.BigEndian.Uint32(buf)
	pos := 4

	namespace, n, ok := readCString(buf[pos:])
	if !ok {
		return fmt.Errorf("%w: Relation namespace", ErrUnknownMessageShape)
	}
	pos += n

	name, n, ok := readCString(buf[pos:])
	if !ok {
		return fmt.Errorf("%w: Relation name", ErrUnknownMessageShape)
	}
	pos += n

	pos++ // replica identity setting

	if len(buf) < pos+2 {
		return fmt.Errorf("%w: Relation column count", ErrUnknownMessageShape)
	}
	ncols := int(binary.BigEndian.Uint16(buf[pos:]))
	pos += 2

	rel := &relation{Namespace: namespace, Name: name}

	for i := 0; i < ncols; i++ {
		if len(buf) < pos+1 {
			return fmt.Errorf("%w: Relation column flags", ErrUnknownMessageShape)
		}
		flags := buf[pos]
		pos++

		colName, n, ok := readCString(buf[pos:])
		if !ok {
			return fmt.Errorf("%w: Relation column name", ErrUnknownMessageShape)
		}
		pos += n

		if len(buf) < pos+8 {
			return fmt.Errorf("%w: Relation column type", ErrUnknownMessageShape)
		}
		typeOID := binary.BigEndian.Uint32(buf[pos:])
		pos += 8 // type oid + atttypmod

		rel.Columns = append(rel.Columns, relationColumn{
			Name:    colName,
			TypeOID: typeOID,
			Flags:   flags,
		})
	}

	d.relations[oid] = rel
	return nil
}

func (d *pgoutputDecoder) decodeDML(action Action, buf []byte, walStart pg.LSN, serverTime time.Time) ([]*LogicalMessage, error) {
	if len(buf) < 5 {
		return d.unknown(fmt.Errorf("%w: short %s", ErrUnknownMessageShape, action))
	}

	oid := binary.BigEndian.Uint32(buf)
	rel, ok := d.relations[oid]
	if !ok {
		return d.unknown(fmt.Errorf("%w: unknown relation oid %d", ErrUnknownMessageShape, oid))
	}

	pos := 4
	change := &Change{Schema: rel.Namespace, Table: rel.Name}

	for pos < len(buf) {
		kind := buf[pos]
		pos++

		columns, n, err := d.decodeTuple(rel, buf[pos:])
		if err != nil {
			return d.unknown(err)
		}
		pos += n

		switch kind {
		case 'N':
			change.Columns = columns
		case 'K', 'O':
			change.Identity = columns
		default:
			return d.unknown(fmt.Errorf("%w: tuple kind %q", ErrUnknownMessageShape, kind))
		}
	}

	// a DELETE's identity is all there is; surface it as such
	return []*LogicalMessage{{
		Action:    action,
		XID:       d.xid,
		LSN:       walStart,
		CommitLSN: d.commitLSN,
		Timestamp: serverTime,
		Change:    change,
	}}, nil
}

func (d *pgoutputDecoder) decodeTuple(rel *relation, buf []byte) ([]Column, int, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("%w: short tuple", ErrUnknownMessageShape)
	}

	ncols := int(binary.BigEndian.Uint16(buf))
	pos := 2

	columns := make([]Column, 0, ncols)

	for i := 0; i < ncols; i++ {
		if len(buf) < pos+1 {
			return nil, 0, fmt.Errorf("%w: short tuple column", ErrUnknownMessageShape)
		}

		var meta relationColumn
		if i < len(rel.Columns) {
			meta = rel.Columns[i]
		}

		column := Column{Name: meta.Name, Type: d.typeName(meta.TypeOID)}

		switch buf[pos] {
		case 'n':
			pos++
			column.Value = nil
		case 'u':
			pos++
			// unchanged TOAST value, not part of the change
			continue
		case 't':
			pos++
			if len(buf) < pos+4 {
				return nil, 0, fmt.Errorf("%w: short tuple value", ErrUnknownMessageShape)
			}
			length := int(binary.BigEndian.Uint32(buf[pos:]))
			pos += 4
			if len(buf) < pos+length {
				return nil, 0, fmt.Errorf("%w: truncated tuple value", ErrUnknownMessageShape)
			}
			column.Value = string(buf[pos : pos+length])
			pos += length
		default:
			return nil, 0, fmt.Errorf("%w: tuple column kind %q", ErrUnknownMessageShape, buf[pos])
		}

		columns = append(columns, column)
	}

	return columns, pos, nil
}

func (d *pgoutputDecoder) decodeTruncate(buf []byte, walStart pg.LSN, serverTime time.Time) ([]*LogicalMessage, error) {
	if len(buf) < 5 {
		return d.unknown(fmt.Errorf("%w: short Truncate", ErrUnknownMessageShape))
	}

	nrels := int(binary.BigEndian.Uint32(buf))
	pos := 5 // relation count + option byte

	change := &Change{}
	for i := 0; i < nrels; i++ {
		if len(buf) < pos+4 {
			return d.unknown(fmt.Errorf("%w: short Truncate relation", ErrUnknownMessageShape))
		}
		oid := binary.BigEndian.Uint32(buf[pos:])
		pos += 4

		rel, ok := d.relations[oid]
		if !ok {
			return d.unknown(fmt.Errorf("%w: unknown relation oid %d", ErrUnknownMessageShape, oid))
		}
		change.Relations = append(change.Relations, rel.Namespace+"."+rel.Name)
	}

	return []*LogicalMessage{{
		Action:    ActionTruncate,
		XID:       d.xid,
		LSN:       walStart,
		CommitLSN: d.commitLSN,
		Timestamp: serverTime,
		Change:    change,
	}}, nil
}

func (d *pgoutputDecoder) decodeLogical(buf []byte, walStart pg.LSN, serverTime time.Time) ([]*LogicalMessage, error) {
	if len(buf) < 9 {
		return d.unknown(fmt.Errorf("%w: short Message", ErrUnknownMessageShape))
	}

	pos := 9 // flags + lsn

	prefix, n, ok := readCString(buf[pos:])
	if !ok {
		return d.unknown(fmt.Errorf("%w: Message prefix", ErrUnknownMessageShape))
	}
	pos += n

	if len(buf) < pos+4 {
		return d.unknown(fmt.Errorf("%w: Message length", ErrUnknownMessageShape))
	}
	length := int(binary.BigEndian.Uint32(buf[pos:]))
	pos += 4

	if len(buf) < pos+length {
		return d.unknown(fmt.Errorf("%w: truncated Message", ErrUnknownMessageShape))
	}

	return []*LogicalMessage{{
		Action:    ActionMessage,
		XID:       d.xid,
		LSN:       walStart,
		CommitLSN: d.commitLSN,
		Timestamp: serverTime,
		Change: &Change{
			Prefix:  prefix,
			Content: string(buf[pos : pos+length]),
		},
	}}, nil
}

func (d *pgoutputDecoder) typeName(oid uint32) string {
	if dt, ok := d.typeMap.TypeForOID(oid); ok {
		return dt.Name
	}
	return "text"
}

func readCString(buf []byte) (string, int, bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return string(buf[:i]), i + 1, true
		}
	}
	return "", 0, false
}

/*
 * test_decoding: textual output, one line per change.
 *
 *	BEGIN 1234
 *	table public.t: INSERT: id[integer]:1 v[text]:'a'
 *	COMMIT 1234
 */

type testDecodingDecoder struct {
	strict bool
	xid    uint32
}

func (d *testDecodingDecoder) Decode(walData []byte, walStart pg.LSN, serverTime time.Time) ([]*LogicalMessage, error) {
	text := string(walData)

	switch {
	case strings.HasPrefix(text, "BEGIN"):
		xid := parseXID(text)
		d.xid = xid
		return []*LogicalMessage{{
			Action:    ActionBegin,
			XID:       xid,
			LSN:       walStart,
			Timestamp: serverTime,
		}}, nil

	case strings.HasPrefix(text, "COMMIT"):
		return []*LogicalMessage{{
			Action:    ActionCommit,
			XID:       d.xid,
			LSN:       walStart,
			CommitLSN: walStart,
			Timestamp: serverTime,
		}}, nil

	case strings.HasPrefix(text, "table "):
		msg, err := d.parseTableLine(text, walStart, serverTime)
		if err != nil {
			return d.unknown(err)
		}
		return []*LogicalMessage{msg}, nil

	case strings.HasPrefix(text, "message:"):
		return []*LogicalMessage{{
			Action:    ActionMessage,
			XID:       d.xid,
			LSN:       walStart,
			Timestamp: serverTime,
			Change:    &Change{Content: strings.TrimSpace(strings.TrimPrefix(text, "message:"))},
		}}, nil

	default:
		return d.unknown(fmt.Errorf("%w: test_decoding line %q", ErrUnknownMessageShape, firstLine(text)))
	}
}

func (d *testDecodingDecoder) unknown(err error) ([]*LogicalMessage, error) {
	if d.strict {
		return nil, err
	}
	logger.Warn("skipping logical message", "error", err)
	return nil, nil
}

func (d *testDecodingDecoder) parseTableLine(text string, walStart pg.LSN, serverTime time.Time) (*LogicalMessage, error) {
	rest := strings.TrimPrefix(text, "table ")

	relName, rest, found := strings.Cut(rest, ": ")
	if !found {
		return nil, fmt.Errorf("%w: test_decoding table line", ErrUnknownMessageShape)
	}

	verb, rest, found := strings.Cut(rest, ": ")
	if !found {
		return nil, fmt.Errorf("%w: test_decoding verb", ErrUnknownMessageShape)
	}

	schema, table, found := strings.Cut(relName, ".")
	if !found {
		schema, table = "public", relName
	}

	var action Action
	switch verb {
	case "INSERT":
		action = ActionInsert
	case "UPDATE":
		action = ActionUpdate
	case "DELETE":
		action = ActionDelete
	case "TRUNCATE":
		return &LogicalMessage{
			Action:    ActionTruncate,
			XID:       d.xid,
			LSN:       walStart,
			Timestamp: serverTime,
			Change:    &Change{Relations: []string{schema + "." + table}},
		}, nil
	default:
		return nil, fmt.Errorf("%w: test_decoding verb %q", ErrUnknownMessageShape, verb)
	}

	change := &Change{Schema: schema, Table: table}

	// UPDATE lines split old and new tuples with markers
	if action == ActionUpdate {
		if old, newTuple, found := strings.Cut(rest, " new-tuple: "); found {
			old = strings.TrimPrefix(old, "old-key: ")
			change.Identity = parseTestDecodingColumns(old)
			rest = newTuple
		}
	}

	columns := parseTestDecodingColumns(rest)
	if action == ActionDelete {
		change.Identity = columns
	} else {
		change.Columns = columns
	}

	return &LogicalMessage{
		Action:    action,
		XID:       d.xid,
		LSN:       walStart,
		Timestamp: serverTime,
		Change:    change,
	}, nil
}

// parseTestDecodingColumns tokenizes "name[type]:value ..." pairs, honoring
// single-quoted values with doubled-quote escapes.
func parseTestDecodingColumns(s string) []Column {
	var columns []Column

	pos := 0
	for pos < len(s) {
		for pos < len(s) && s[pos] == ' ' {
			pos++
		}
		if pos >= len(s) {
			break
		}

		bracket := strings.Index(s[pos:], "[")
		if bracket < 0 {
			break
		}
		name := s[pos : pos+bracket]
		pos += bracket + 1

		closing := strings.Index(s[pos:], "]:")
		if closing < 0 {
			break
		}
		typeName := s[pos : pos+closing]
		pos += closing + 2

		var value any
		if pos < len(s) && s[pos] == '\'' {
			var sb strings.Builder
			pos++
			for pos < len(s) {
				if s[pos] == '\'' {
					if pos+1 < len(s) && s[pos+1] == '\'' {
						sb.WriteByte('\'')
						pos += 2
						continue
					}
					pos++
					break
				}
				sb.WriteByte(s[pos])
				pos++
			}
			value = sb.String()
		} else {
			end := strings.IndexByte(s[pos:], ' ')
			if end < 0 {
				end = len(s) - pos
			}
			token := s[pos : pos+end]
			pos += end
			if token == "null" {
				value = nil
			} else {
				value = token
			}
		}

		columns = append(columns, Column{Name: name, Type: typeName, Value: value})
	}

	return columns
}

func parseXID(text string) uint32 {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return 0
	}
	xid, _ := strconv.ParseUint(fields[1], 10, 32)
	return uint32(xid)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
