package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/devinshteyn2/pgcopydb/internal/pg"
)

// Plugin names the logical decoding output plugin used on the source.
type Plugin string

const (
	PluginWal2JSON     Plugin = "wal2json"
	PluginTestDecoding Plugin = "test_decoding"
	PluginPgOutput     Plugin = "pgoutput"
)

const (
	DefaultTableJobs = 4
	DefaultIndexJobs = 4

	// DefaultCopyRetries bounds mid-stream retries of one copy unit.
	DefaultCopyRetries = 2

	// DefaultSplitThreshold is the table size above which a heap without a
	// partition key is copied in ctid ranges.
	DefaultSplitThreshold = int64(1024 * 1024 * 1024)

	DefaultSlotName = "pgcopydb"
	DefaultOrigin   = "pgcopydb"
)

type Config struct {
	SourcePgURI string
	TargetPgURI string
	Dir         string

	TableJobs      int
	IndexJobs      int
	SplitThreshold int64
	CopyRetries    int

	DropIfExists   bool
	SkipExtensions bool
	Restart        bool
	Resume         bool
	Follow         bool

	SlotName string
	Origin   string
	Plugin   Plugin
	Endpos   pg.LSN

	// StrictExtensions makes extension config copy failures fatal.
	StrictExtensions bool

	// Strict makes unknown logical message shapes fatal in the decoder and
	// the transformer.
	Strict bool

	Filters FilterConfig

	Logger LoggerConfig
}

type LoggerConfig struct {
	LogLevel logrus.Level
}

// FilterConfig is the namespace-aware object filtering of one run. An object
// is kept iff it passes all four clauses.
type FilterConfig struct {
	IncludeOnlySchemas []string
	ExcludeSchemas     []string
	IncludeOnlyTables  []QualifiedTable
	ExcludeTables      []QualifiedTable
}

type QualifiedTable struct {
	Schema string
	Name   string
}

// ParseQualifiedTable splits "schema.table"; a bare name lands in "public".
func ParseQualifiedTable(s string) (QualifiedTable, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return QualifiedTable{}, errors.New("empty table name")
	}

	parts := strings.SplitN(s, ".", 2)
	if len(parts) == 1 {
		return QualifiedTable{Schema: "public", Name: parts[0]}, nil
	}

	if parts[0] == "" || parts[1] == "" {
		return QualifiedTable{}, fmt.Errorf("invalid qualified table name: %q", s)
	}

	return QualifiedTable{Schema: parts[0], Name: parts[1]}, nil
}

func (t QualifiedTable) String() string {
	return t.Schema + "." + t.Name
}

func (c *Config) SetDefault() {
	if c.TableJobs <= 0 {
		c.TableJobs = DefaultTableJobs
	}
	if c.IndexJobs <= 0 {
		c.IndexJobs = DefaultIndexJobs
	}
	if c.SplitThreshold <= 0 {
		c.SplitThreshold = DefaultSplitThreshold
	}
	if c.CopyRetries <= 0 {
		c.CopyRetries = DefaultCopyRetries
	}
	if c.SlotName == "" {
		c.SlotName = DefaultSlotName
	}
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}
	if c.Plugin == "" {
		c.Plugin = PluginWal2JSON
	}
	if c.Logger.LogLevel == 0 {
		c.Logger.LogLevel = logrus.InfoLevel
	}
}

func (c *Config) Validate() error {
	var err error

	if strings.TrimSpace(c.SourcePgURI) == "" {
		err = errors.Join(err, errors.New("source URI cannot be empty"))
	} else if vErr := validatePgURI(c.SourcePgURI); vErr != nil {
		err = errors.Join(err, fmt.Errorf("source URI: %w", vErr))
	}

	if strings.TrimSpace(c.TargetPgURI) == "" {
		err = errors.Join(err, errors.New("target URI cannot be empty"))
	} else if vErr := validatePgURI(c.TargetPgURI); vErr != nil {
		err = errors.Join(err, fmt.Errorf("target URI: %w", vErr))
	}

	if c.Restart && c.Resume {
		err = errors.Join(err, errors.New("--restart and --resume are not compatible"))
	}

	switch c.Plugin {
	case PluginWal2JSON, PluginTestDecoding, PluginPgOutput:
	default:
		err = errors.Join(err, fmt.Errorf("unknown logical decoding plugin: %q", c.Plugin))
	}

	return err
}

func validatePgURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return err
	}

	if parsed.Scheme != "postgres" && parsed.Scheme != "postgresql" {
		return fmt.Errorf("scheme must be postgres:// or postgresql://, got %q", parsed.Scheme)
	}

	return nil
}

// ReplicationDSN returns the source URI with replication=database, the form
// a logical walsender connection requires.
func (c *Config) ReplicationDSN() string {
	parsed, err := url.Parse(c.SourcePgURI)
	if err != nil {
		// Validate() already rejected this
		return c.SourcePgURI
	}

	query := parsed.Query()
	query.Set("replication", "database")
	parsed.RawQuery = query.Encode()

	return parsed.String()
}
