package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devinshteyn2/pgcopydb/internal/pg"
)

func TestParseLineMeta(t *testing.T) {
	meta, err := parseLineMeta(`BEGIN; -- {"xid":501,"lsn":"0/100","commit_lsn":"0/120"}`)
	require.NoError(t, err)
	assert.Equal(t, uint32(501), meta.XID)
	assert.Equal(t, "0/100", meta.LSN)
	assert.Equal(t, "0/120", meta.CommitLSN)

	meta, err = parseLineMeta("COMMIT;")
	require.NoError(t, err)
	assert.Empty(t, meta.CommitLSN)

	_, err = parseLineMeta(`BEGIN; -- {broken`)
	require.Error(t, err)
}

func TestApplierEndposMarker(t *testing.T) {
	a := &Applier{state: StateIdle, replayLSN: 0x100}

	// replay has not passed the marker: the stream is over, stop
	require.NoError(t, a.applyEndpos(`-- ENDPOS {"lsn":"0/200"}`))
	assert.Equal(t, StateStopped, a.State())

	// inside a transaction the marker is ignored
	a = &Applier{state: StateInTxn, replayLSN: 0x100}
	require.NoError(t, a.applyEndpos(`-- ENDPOS {"lsn":"0/200"}`))
	assert.Equal(t, StateInTxn, a.State())
}

func TestApplierStateStartsWaiting(t *testing.T) {
	a := NewApplier(nil, nil)
	assert.Equal(t, StateWaitingForSentinel, a.State())
}

func TestApplierDuplicateBeginDetection(t *testing.T) {
	// a BEGIN whose commit LSN does not exceed the origin progress is a
	// duplicate and must be skipped without touching the target
	a := &Applier{state: StateReady, previousLSN: pg.LSN(0x500)}

	require.NoError(t, a.applyBegin(nil,
		`BEGIN; -- {"xid":1,"lsn":"0/400","commit_lsn":"0/500"}`))
	assert.Equal(t, StateInTxn, a.State())
	assert.True(t, a.skipTxn)

	// statements of a skipped transaction are not executed
	require.NoError(t, a.applyStatement(nil, `INSERT INTO "public"."t" ("id") VALUES (1);`))
}
