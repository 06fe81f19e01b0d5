package dump

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleList = `;
; Archive created at 2024-05-02 10:11:12 UTC
;     dbname: app
;
215; 1259 16387 TABLE public t1 owner
216; 1259 16390 TABLE s secret owner
217; 1259 16402 SEQUENCE public t1_id_seq owner
3422; 2606 16405 CONSTRAINT public t1 t1_pkey owner
3423; 1259 16407 INDEX public i1 owner
3424; 1259 16408 INDEX public i2 owner
3425; 2606 16410 FK CONSTRAINT public orders orders_t1_fkey owner
`

func TestParseArchiveList(t *testing.T) {
	entries, err := ParseArchiveList(strings.NewReader(sampleList))
	require.NoError(t, err)
	require.Len(t, entries, 7)

	assert.Equal(t, ArchiveEntry{
		DumpID:          215,
		CatalogOID:      1259,
		ObjectOID:       16387,
		Desc:            "TABLE",
		RestoreListName: "public t1 owner",
	}, entries[0])

	fk := entries[6]
	assert.Equal(t, "FK CONSTRAINT", fk.Desc)
	assert.Equal(t, "public orders orders_t1_fkey owner", fk.RestoreListName)
	assert.Equal(t, uint32(16410), fk.ObjectOID)
}

func TestParseArchiveListRejectsGarbage(t *testing.T) {
	_, err := ParseArchiveList(strings.NewReader("not an archive line\n"))
	require.Error(t, err)
}

func TestSplitDesc(t *testing.T) {
	tests := []struct {
		input    string
		desc     string
		name     string
	}{
		{input: "TABLE public t1 owner", desc: "TABLE", name: "public t1 owner"},
		{input: "TABLE DATA public t1 owner", desc: "TABLE DATA", name: "public t1 owner"},
		{input: "CHECK CONSTRAINT public t1 c owner", desc: "CHECK CONSTRAINT", name: "public t1 c owner"},
		{input: "ENCODING ENCODING", desc: "ENCODING", name: "ENCODING"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			desc, name := splitDesc(tt.input)
			assert.Equal(t, tt.desc, desc)
			assert.Equal(t, tt.name, name)
		})
	}
}

func TestWriteIncludeListCommentsSkippedEntries(t *testing.T) {
	entries, err := ParseArchiveList(strings.NewReader(sampleList))
	require.NoError(t, err)

	done := map[uint32]bool{16407: true, 16408: true}
	excluded := map[uint32]bool{16390: true}

	var out strings.Builder
	err = WriteIncludeList(&out, entries, func(e ArchiveEntry) string {
		if done[e.ObjectOID] {
			return "already processed"
		}
		if excluded[e.ObjectOID] {
			return "filtered out"
		}
		return ""
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 7)

	assert.Equal(t, "215; 1259 16387 TABLE public t1 owner", lines[0])
	assert.Equal(t, ";216; 1259 16390 TABLE s secret owner", lines[1])
	assert.Equal(t, ";3423; 1259 16407 INDEX public i1 owner", lines[4])
	assert.Equal(t, ";3424; 1259 16408 INDEX public i2 owner", lines[5])
	assert.Equal(t, "3425; 2606 16410 FK CONSTRAINT public orders orders_t1_fkey owner", lines[6])
}

func TestIncludeListRoundTrip(t *testing.T) {
	entries, err := ParseArchiveList(strings.NewReader(sampleList))
	require.NoError(t, err)

	var out strings.Builder
	require.NoError(t, WriteIncludeList(&out, entries,
		func(ArchiveEntry) string { return "" }))

	reparsed, err := ParseArchiveList(strings.NewReader(out.String()))
	require.NoError(t, err)
	assert.Equal(t, entries, reparsed)
}
