package stream

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
)

var testTime = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

func TestWal2JSONDecode(t *testing.T) {
	decoder := NewDecoder(config.PluginWal2JSON, true)

	t.Run("begin", func(t *testing.T) {
		msgs, err := decoder.Decode(
			[]byte(`{"action":"B","xid":771}`), pg.LSN(0x100), testTime)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, ActionBegin, msgs[0].Action)
		assert.Equal(t, uint32(771), msgs[0].XID)
		assert.Equal(t, pg.LSN(0x100), msgs[0].LSN)
	})

	t.Run("insert", func(t *testing.T) {
		payload := `{"action":"I","schema":"public","table":"t",` +
			`"columns":[{"name":"id","type":"integer","value":1}]}`

		msgs, err := decoder.Decode([]byte(payload), pg.LSN(0x110), testTime)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		msg := msgs[0]
		assert.Equal(t, ActionInsert, msg.Action)
		require.NotNil(t, msg.Change)
		assert.Equal(t, "public", msg.Change.Schema)
		assert.Equal(t, "t", msg.Change.Table)
		require.Len(t, msg.Change.Columns, 1)
		assert.Equal(t, "id", msg.Change.Columns[0].Name)
	})

	t.Run("commit sets commit lsn", func(t *testing.T) {
		msgs, err := decoder.Decode([]byte(`{"action":"C"}`), pg.LSN(0x120), testTime)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, ActionCommit, msgs[0].Action)
		assert.Equal(t, pg.LSN(0x120), msgs[0].CommitLSN)
	})

	t.Run("unknown action is fatal in strict mode", func(t *testing.T) {
		_, err := decoder.Decode([]byte(`{"action":"Z"}`), pg.LSN(0x130), testTime)
		require.ErrorIs(t, err, ErrUnknownMessageShape)
	})

	t.Run("unknown action is skipped otherwise", func(t *testing.T) {
		lax := NewDecoder(config.PluginWal2JSON, false)
		msgs, err := lax.Decode([]byte(`{"action":"Z"}`), pg.LSN(0x130), testTime)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestTestDecodingDecode(t *testing.T) {
	decoder := NewDecoder(config.PluginTestDecoding, true)

	msgs, err := decoder.Decode([]byte("BEGIN 771"), pg.LSN(0x100), testTime)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ActionBegin, msgs[0].Action)
	assert.Equal(t, uint32(771), msgs[0].XID)

	msgs, err = decoder.Decode(
		[]byte(`table public.t: INSERT: id[integer]:1 v[text]:'it''s'`),
		pg.LSN(0x110), testTime)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	change := msgs[0].Change
	require.NotNil(t, change)
	assert.Equal(t, ActionInsert, msgs[0].Action)
	require.Len(t, change.Columns, 2)
	assert.Equal(t, Column{Name: "id", Type: "integer", Value: "1"}, change.Columns[0])
	assert.Equal(t, Column{Name: "v", Type: "text", Value: "it's"}, change.Columns[1])

	msgs, err = decoder.Decode(
		[]byte(`table public.t: UPDATE: old-key: id[integer]:1 new-tuple: id[integer]:1 v[text]:'b'`),
		pg.LSN(0x118), testTime)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Change)
	assert.Len(t, msgs[0].Change.Identity, 1)
	assert.Len(t, msgs[0].Change.Columns, 2)

	msgs, err = decoder.Decode(
		[]byte(`table public.t: DELETE: id[integer]:1`), pg.LSN(0x11C), testTime)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Change.Identity, 1)
	assert.Empty(t, msgs[0].Change.Columns)

	msgs, err = decoder.Decode([]byte("COMMIT 771"), pg.LSN(0x120), testTime)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ActionCommit, msgs[0].Action)
	assert.Equal(t, uint32(771), msgs[0].XID)
	assert.Equal(t, pg.LSN(0x120), msgs[0].CommitLSN)
}

func TestParseTestDecodingColumnsNull(t *testing.T) {
	columns := parseTestDecodingColumns("id[integer]:7 v[text]:null")
	require.Len(t, columns, 2)
	assert.Equal(t, "7", columns[0].Value)
	assert.Nil(t, columns[1].Value)
}

/*
 * pgoutput test helpers build the binary protocol by hand.
 */

func pgoutputBegin(commitLSN pg.LSN, xid uint32) []byte {
	buf := []byte{'B'}
	buf = binary.BigEndian.AppendUint64(buf, uint64(commitLSN))
	buf = binary.BigEndian.AppendUint64(buf, 0) // timestamp
	buf = binary.BigEndian.AppendUint32(buf, xid)
	return buf
}

func pgoutputCommit(commitLSN pg.LSN) []byte {
	buf := []byte{'C', 0}
	buf = binary.BigEndian.AppendUint64(buf, uint64(commitLSN))
	buf = binary.BigEndian.AppendUint64(buf, uint64(commitLSN))
	buf = binary.BigEndian.AppendUint64(buf, 0) // timestamp
	return buf
}

func pgoutputRelation(oid uint32, namespace, name string, columns ...string) []byte {
	buf := []byte{'R'}
	buf = binary.BigEndian.AppendUint32(buf, oid)
	buf = append(buf, namespace...)
	buf = append(buf, 0)
	buf = append(buf, name...)
	buf = append(buf, 0)
	buf = append(buf, 'd') // replica identity
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(columns)))
	for _, col := range columns {
		buf = append(buf, 1) // key flag
		buf = append(buf, col...)
		buf = append(buf, 0)
		buf = binary.BigEndian.AppendUint32(buf, 25) // text
		buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF)
	}
	return buf
}

func pgoutputInsert(oid uint32, values ...string) []byte {
	buf := []byte{'I'}
	buf = binary.BigEndian.AppendUint32(buf, oid)
	buf = append(buf, 'N')
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(values)))
	for _, v := range values {
		buf = append(buf, 't')
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf
}

func TestPgOutputDecode(t *testing.T) {
	decoder := NewDecoder(config.PluginPgOutput, true)

	msgs, err := decoder.Decode(pgoutputBegin(0x200, 99), pg.LSN(0x180), testTime)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ActionBegin, msgs[0].Action)
	assert.Equal(t, uint32(99), msgs[0].XID)
	assert.Equal(t, pg.LSN(0x200), msgs[0].CommitLSN)

	// relation messages only feed the cache
	msgs, err = decoder.Decode(
		pgoutputRelation(16387, "public", "t", "id", "v"), pg.LSN(0x188), testTime)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = decoder.Decode(pgoutputInsert(16387, "1", "a"), pg.LSN(0x190), testTime)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	change := msgs[0].Change
	require.NotNil(t, change)
	assert.Equal(t, ActionInsert, msgs[0].Action)
	assert.Equal(t, "public", change.Schema)
	assert.Equal(t, "t", change.Table)
	require.Len(t, change.Columns, 2)
	assert.Equal(t, "id", change.Columns[0].Name)
	assert.Equal(t, "1", change.Columns[0].Value)
	assert.Equal(t, "a", change.Columns[1].Value)
	// DML inside the transaction inherits the Begin's commit LSN
	assert.Equal(t, pg.LSN(0x200), msgs[0].CommitLSN)

	msgs, err = decoder.Decode(pgoutputCommit(0x200), pg.LSN(0x1F8), testTime)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, ActionCommit, msgs[0].Action)
	assert.Equal(t, pg.LSN(0x200), msgs[0].CommitLSN)

	t.Run("insert for unknown relation", func(t *testing.T) {
		_, err := decoder.Decode(pgoutputInsert(999, "1"), pg.LSN(0x300), testTime)
		require.ErrorIs(t, err, ErrUnknownMessageShape)
	})
}
