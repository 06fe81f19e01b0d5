package stream

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

func testTransformer(t *testing.T) *Transformer {
	t.Helper()

	cfg := &config.Config{
		SourcePgURI: "postgres://user@source/app",
		TargetPgURI: "postgres://user@target/app",
	}
	cfg.SetDefault()

	paths, err := workdir.New(t.TempDir(), cfg.TargetPgURI)
	require.NoError(t, err)
	require.NoError(t, paths.Create())

	return NewTransformer(cfg, paths)
}

func writeSegment(t *testing.T, dir, name string, msgs []*LogicalMessage) string {
	t.Helper()

	var sb strings.Builder
	for _, msg := range msgs {
		line, err := msg.MarshalLine()
		require.NoError(t, err)
		sb.Write(line)
		sb.WriteByte('\n')
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))
	return path
}

func insertMessage(lsn pg.LSN, id string) *LogicalMessage {
	return &LogicalMessage{
		Action: ActionInsert,
		LSN:    lsn,
		Change: &Change{
			Schema:  "public",
			Table:   "t",
			Columns: []Column{{Name: "id", Type: "integer", Value: json.Number(id)}},
		},
	}
}

func TestTransformFile(t *testing.T) {
	tr := testTransformer(t)

	jsonPath := writeSegment(t, tr.paths.CDC, "000000010000000000000001.json",
		[]*LogicalMessage{
			{Action: ActionBegin, XID: 501, LSN: 0x100, Timestamp: testTime},
			insertMessage(0x110, "1"),
			insertMessage(0x118, "2"),
			{Action: ActionCommit, LSN: 0x120, CommitLSN: 0x120, Timestamp: testTime},
			{Action: ActionKeepalive, LSN: 0x130},
		})

	sqlPath, err := tr.TransformFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSuffix(jsonPath, ".json")+".sql", sqlPath)

	contents, err := os.ReadFile(sqlPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 5)

	assert.True(t, strings.HasPrefix(lines[0], "BEGIN; -- {"))
	assert.Contains(t, lines[0], `"xid":501`)
	assert.Contains(t, lines[0], `"commit_lsn":"0/120"`)
	assert.Equal(t, `INSERT INTO "public"."t" ("id") VALUES (1);`, lines[1])
	assert.Equal(t, `INSERT INTO "public"."t" ("id") VALUES (2);`, lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "COMMIT; -- {"))
	assert.Contains(t, lines[3], `"commit_lsn":"0/120"`)
	assert.True(t, strings.HasPrefix(lines[4], "-- KEEPALIVE"))
}

func TestTransformBuffersTransactionAcrossSegments(t *testing.T) {
	tr := testTransformer(t)

	// the transaction begins in the first segment and commits in the second
	first := writeSegment(t, tr.paths.CDC, "000000010000000000000001.json",
		[]*LogicalMessage{
			{Action: ActionBegin, XID: 600, LSN: 0x100, Timestamp: testTime},
			insertMessage(0x110, "1"),
		})
	second := writeSegment(t, tr.paths.CDC, "000000010000000000000002.json",
		[]*LogicalMessage{
			insertMessage(0x1000010, "2"),
			{Action: ActionCommit, LSN: 0x1000020, CommitLSN: 0x1000020, Timestamp: testTime},
		})

	firstSQL, err := tr.TransformFile(first)
	require.NoError(t, err)
	secondSQL, err := tr.TransformFile(second)
	require.NoError(t, err)

	firstContents, err := os.ReadFile(firstSQL)
	require.NoError(t, err)
	// nothing emitted until the COMMIT is seen
	assert.Empty(t, strings.TrimSpace(string(firstContents)))

	secondContents, err := os.ReadFile(secondSQL)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(secondContents)), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"xid":600`)
	assert.Contains(t, lines[0], `"commit_lsn":"0/1000020"`)
	assert.Equal(t, `INSERT INTO "public"."t" ("id") VALUES (1);`, lines[1])
	assert.Equal(t, `INSERT INTO "public"."t" ("id") VALUES (2);`, lines[2])
}

func TestTransformEndposAndSwitchMarkers(t *testing.T) {
	tr := testTransformer(t)

	jsonPath := writeSegment(t, tr.paths.CDC, "000000010000000000000003.json",
		[]*LogicalMessage{
			{Action: ActionSwitch, LSN: 0x200},
			{Action: ActionEndpos, LSN: 0x300},
		})

	sqlPath, err := tr.TransformFile(jsonPath)
	require.NoError(t, err)

	contents, err := os.ReadFile(sqlPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "-- SWITCH"))
	assert.True(t, strings.HasPrefix(lines[1], "-- ENDPOS"))
	assert.Contains(t, lines[1], `"lsn":"0/300"`)
}

func TestTransformMetaTimestampFormat(t *testing.T) {
	tr := testTransformer(t)

	ts := time.Date(2024, 5, 2, 10, 11, 12, 0, time.UTC)
	jsonPath := writeSegment(t, tr.paths.CDC, "000000010000000000000004.json",
		[]*LogicalMessage{
			{Action: ActionBegin, XID: 1, LSN: 0x100, Timestamp: ts},
			{Action: ActionCommit, LSN: 0x120, CommitLSN: 0x120, Timestamp: ts},
		})

	sqlPath, err := tr.TransformFile(jsonPath)
	require.NoError(t, err)

	contents, err := os.ReadFile(sqlPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "2024-05-02T10:11:12Z")
}
