package workdir

import (
	"crypto/sha1"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Fixed done-marker keys for the schema phases. Object-level units use
// "<oid>.done" keys under the tables/ and indexes/ subdirectories instead.
const (
	PreDataDump     = "pre-data-dump"
	PostDataDump    = "post-data-dump"
	PreDataRestore  = "pre-data-restore"
	PostDataRestore = "post-data-restore"
)

// Paths describes the deterministic work directory tree of one run. The root
// is derived from the target URI so that two runs against the same target
// collide, which is what makes resuming work.
type Paths struct {
	Root    string
	Schema  string
	Tables  string
	Indexes string
	CDC     string

	PreDump  string
	PostDump string
	PreList  string
	PostList string

	PidFile    string
	SlotFile   string
	OriginFile string
}

// New derives the work directory from dir when given, otherwise from
// $XDG_DATA_HOME/pgcopydb (falling back to $HOME/.local/share) plus a slug
// of the target URI.
func New(dir, targetURI string) (*Paths, error) {
	root := dir

	if root == "" {
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("locate home directory: %w", err)
			}
			dataHome = filepath.Join(home, ".local", "share")
		}

		root = filepath.Join(dataHome, "pgcopydb", targetSlug(targetURI))
	}

	schema := filepath.Join(root, "schema")

	return &Paths{
		Root:    root,
		Schema:  schema,
		Tables:  filepath.Join(root, "objects", "tables"),
		Indexes: filepath.Join(root, "objects", "indexes"),
		CDC:     filepath.Join(root, "cdc"),

		PreDump:  filepath.Join(schema, "pre.dump"),
		PostDump: filepath.Join(schema, "post.dump"),
		PreList:  filepath.Join(schema, "pre.list"),
		PostList: filepath.Join(schema, "post.list"),

		PidFile:    filepath.Join(root, "run.pid"),
		SlotFile:   filepath.Join(root, "slot"),
		OriginFile: filepath.Join(root, "origin"),
	}, nil
}

// targetSlug reduces a connection URI to a stable directory name, keeping the
// host and database readable and hashing the rest.
func targetSlug(uri string) string {
	sum := fmt.Sprintf("%x", sha1.Sum([]byte(uri)))[:8]

	parsed, err := url.Parse(uri)
	if err != nil {
		return sum
	}

	host := parsed.Hostname()
	database := strings.TrimPrefix(parsed.Path, "/")

	parts := []string{}
	if host != "" {
		parts = append(parts, host)
	}
	if database != "" {
		parts = append(parts, database)
	}
	parts = append(parts, sum)

	return strings.Join(parts, "_")
}

// Create makes the whole tree.
func (p *Paths) Create() error {
	for _, dir := range []string{p.Root, p.Schema, p.Tables, p.Indexes, p.CDC} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create work directory %q: %w", dir, err)
		}
	}
	return nil
}

// Cleanup removes every marker and artifact of previous runs, for --restart.
func (p *Paths) Cleanup() error {
	if err := os.RemoveAll(p.Root); err != nil {
		return fmt.Errorf("cleanup work directory %q: %w", p.Root, err)
	}
	return p.Create()
}

func (p *Paths) donePath(key string) string {
	return filepath.Join(p.Root, key+".done")
}

// TableDonePath returns the done-marker path of a table copy unit.
func (p *Paths) TableDonePath(oid uint32) string {
	return filepath.Join(p.Tables, fmt.Sprintf("%d.done", oid))
}

// IndexDonePath returns the done-marker path of an index or constraint unit.
func (p *Paths) IndexDonePath(oid uint32) string {
	return filepath.Join(p.Indexes, fmt.Sprintf("%d.done", oid))
}

// IsDone reports whether the given phase-level unit completed on a previous
// run.
func (p *Paths) IsDone(key string) bool {
	return fileExists(p.donePath(key))
}

// MarkDone records completion of a phase-level unit.
func (p *Paths) MarkDone(key string) error {
	return MarkerCreate(p.donePath(key))
}

// IsTableDone reports whether all copy units of the table completed.
func (p *Paths) IsTableDone(oid uint32) bool {
	return fileExists(p.TableDonePath(oid))
}

func (p *Paths) MarkTableDone(oid uint32) error {
	return MarkerCreate(p.TableDonePath(oid))
}

// IsIndexDone reports whether the index or constraint was already built by
// the builder workers, in this run or a previous one.
func (p *Paths) IsIndexDone(oid uint32) bool {
	return fileExists(p.IndexDonePath(oid))
}

func (p *Paths) MarkIndexDone(oid uint32) error {
	return MarkerCreate(p.IndexDonePath(oid))
}

// MarkerCreate durably creates a zero-byte marker. The marker only becomes
// visible under its final name once fully created: write a temp file in the
// same directory, fsync it, then rename.
func MarkerCreate(path string) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, ".marker-*")
	if err != nil {
		return fmt.Errorf("create marker %q: %w", path, err)
	}

	tmpName := tmp.Name()

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync marker %q: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close marker %q: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename marker %q: %w", path, err)
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
