package workdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(t *testing.T) *Paths {
	t.Helper()

	paths, err := New(t.TempDir(), "postgres://user@host:5432/appdb")
	require.NoError(t, err)
	require.NoError(t, paths.Create())

	return paths
}

func TestNewDerivesDeterministicTree(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	a, err := New("", "postgres://user@host:5432/appdb")
	require.NoError(t, err)
	b, err := New("", "postgres://user@host:5432/appdb")
	require.NoError(t, err)

	// same target, same tree: that collision is what resumability rides on
	assert.Equal(t, a.Root, b.Root)
	assert.Contains(t, filepath.Base(a.Root), "host")
	assert.Contains(t, filepath.Base(a.Root), "appdb")

	other, err := New("", "postgres://user@host:5432/otherdb")
	require.NoError(t, err)
	assert.NotEqual(t, a.Root, other.Root)
}

func TestLayout(t *testing.T) {
	paths := testPaths(t)

	assert.Equal(t, filepath.Join(paths.Schema, "pre.dump"), paths.PreDump)
	assert.Equal(t, filepath.Join(paths.Schema, "post.list"), paths.PostList)
	assert.True(t, strings.HasSuffix(paths.Tables, filepath.Join("objects", "tables")))
	assert.True(t, strings.HasSuffix(paths.CDC, "cdc"))

	for _, dir := range []string{paths.Schema, paths.Tables, paths.Indexes, paths.CDC} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDoneMarkers(t *testing.T) {
	paths := testPaths(t)

	assert.False(t, paths.IsDone(PreDataDump))
	require.NoError(t, paths.MarkDone(PreDataDump))
	assert.True(t, paths.IsDone(PreDataDump))

	assert.False(t, paths.IsTableDone(16387))
	require.NoError(t, paths.MarkTableDone(16387))
	assert.True(t, paths.IsTableDone(16387))

	require.NoError(t, paths.MarkIndexDone(16400))
	assert.True(t, paths.IsIndexDone(16400))
	assert.False(t, paths.IsIndexDone(16401))
}

func TestMarkerCreateLeavesNoTempFiles(t *testing.T) {
	paths := testPaths(t)

	require.NoError(t, paths.MarkTableDone(42))

	entries, err := os.ReadDir(paths.Tables)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "42.done", entries[0].Name())

	// a marker is zero bytes, its existence is the whole record
	info, err := os.Stat(paths.TableDonePath(42))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestCleanupResetsTree(t *testing.T) {
	paths := testPaths(t)

	require.NoError(t, paths.MarkDone(PreDataDump))
	require.NoError(t, paths.Cleanup())

	assert.False(t, paths.IsDone(PreDataDump))

	info, err := os.Stat(paths.Tables)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPidFile(t *testing.T) {
	paths := testPaths(t)

	require.NoError(t, paths.AcquirePidFile())

	// our own live pid blocks a second acquisition
	err := paths.AcquirePidFile()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, paths.ReleasePidFile())
	require.NoError(t, paths.AcquirePidFile())
	require.NoError(t, paths.ReleasePidFile())
}

func TestPidFileStaleTakeover(t *testing.T) {
	paths := testPaths(t)

	// pid 0 can never be a live process
	require.NoError(t, os.WriteFile(paths.PidFile, []byte("0\n"), 0o644))

	require.NoError(t, paths.AcquirePidFile())
	require.NoError(t, paths.ReleasePidFile())
}
