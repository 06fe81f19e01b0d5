package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devinshteyn2/pgcopydb/config"
	"github.com/devinshteyn2/pgcopydb/internal/pg"
	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/supervisor"
	"github.com/devinshteyn2/pgcopydb/workdir"
)

var (
	flagSource         string
	flagTarget         string
	flagDir            string
	flagTableJobs      int
	flagIndexJobs      int
	flagDropIfExists   bool
	flagSkipExtensions bool
	flagRestart        bool
	flagResume         bool
	flagFollow         bool
	flagPlugin         string
	flagSlotName       string
	flagOrigin         string
	flagEndpos         string
	flagNotice         bool
	flagDebug          bool

	flagIncludeOnlySchemas []string
	flagExcludeSchemas     []string
	flagIncludeOnlyTables  []string
	flagExcludeTables      []string
)

var rootCmd = &cobra.Command{
	Use:           "pgcopydb",
	Short:         "Copy a Postgres database from a source to a target instance",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logrus.InfoLevel
		if flagNotice || flagDebug {
			level = logrus.DebugLevel
		}
		logger.SetLevel(level)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&flagSource, "source", "", "Postgres URI to the source database (or PGCOPYDB_SOURCE_PGURI)")
	flags.StringVar(&flagTarget, "target", "", "Postgres URI to the target database (or PGCOPYDB_TARGET_PGURI)")
	flags.StringVar(&flagDir, "dir", "", "Work directory to use")
	flags.IntVar(&flagTableJobs, "table-jobs", 0, "Number of concurrent COPY jobs to run")
	flags.IntVar(&flagIndexJobs, "index-jobs", 0, "Number of concurrent CREATE INDEX jobs to run")
	flags.BoolVar(&flagDropIfExists, "drop-if-exists", false, "On the target database, clean-up from a previous run first")
	flags.BoolVar(&flagSkipExtensions, "skip-extensions", false, "Skip copying extension configuration tables")
	flags.BoolVar(&flagRestart, "restart", false, "Allow restarting when temp files exist already")
	flags.BoolVar(&flagResume, "resume", false, "Allow resuming operations after a failure")
	flags.StringVar(&flagPlugin, "plugin", "", "Logical decoding output plugin (wal2json, test_decoding, pgoutput)")
	flags.StringVar(&flagSlotName, "slot-name", "", "Replication slot name to use")
	flags.StringVar(&flagOrigin, "origin", "", "Replication origin node name to use on the target")
	flags.StringVar(&flagEndpos, "endpos", "", "Stop replaying changes when reaching this LSN")
	flags.BoolVar(&flagNotice, "notice", false, "Show notice-level messages")
	flags.BoolVar(&flagDebug, "debug", false, "Show debug-level messages")

	flags.StringSliceVar(&flagIncludeOnlySchemas, "include-only-schema", nil, "Only migrate objects of this schema (repeatable)")
	flags.StringSliceVar(&flagExcludeSchemas, "exclude-schema", nil, "Skip objects of this schema (repeatable)")
	flags.StringSliceVar(&flagIncludeOnlyTables, "include-only-table", nil, "Only migrate this table (schema.table, repeatable)")
	flags.StringSliceVar(&flagExcludeTables, "exclude-table", nil, "Skip this table (schema.table, repeatable)")

	viper.SetEnvPrefix("PGCOPYDB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("source", "PGCOPYDB_SOURCE_PGURI")
	_ = viper.BindEnv("target", "PGCOPYDB_TARGET_PGURI")
	_ = viper.BindEnv("table-jobs", "PGCOPYDB_TABLE_JOBS")
	_ = viper.BindEnv("index-jobs", "PGCOPYDB_INDEX_JOBS")
	_ = viper.BindEnv("slot-name", "PGCOPYDB_SLOT_NAME")
	_ = viper.BindEnv("origin", "PGCOPYDB_ORIGIN")
	_ = viper.BindEnv("plugin", "PGCOPYDB_PLUGIN")
}

// buildConfig merges flags and PGCOPYDB_* environment into one validated
// Config; flags win over the environment.
func buildConfig(follow bool) (*config.Config, error) {
	cfg := &config.Config{
		SourcePgURI:    stringSetting(flagSource, "source"),
		TargetPgURI:    stringSetting(flagTarget, "target"),
		Dir:            flagDir,
		TableJobs:      intSetting(flagTableJobs, "table-jobs"),
		IndexJobs:      intSetting(flagIndexJobs, "index-jobs"),
		DropIfExists:   flagDropIfExists,
		SkipExtensions: flagSkipExtensions,
		Restart:        flagRestart,
		Resume:         flagResume,
		Follow:         follow,
		SlotName:       stringSetting(flagSlotName, "slot-name"),
		Origin:         stringSetting(flagOrigin, "origin"),
		Plugin:         config.Plugin(stringSetting(flagPlugin, "plugin")),
	}

	if flagEndpos != "" {
		endpos, err := pg.ParseLSN(flagEndpos)
		if err != nil {
			return nil, fmt.Errorf("--endpos: %w", err)
		}
		cfg.Endpos = endpos
	}

	cfg.Filters.IncludeOnlySchemas = flagIncludeOnlySchemas
	cfg.Filters.ExcludeSchemas = flagExcludeSchemas

	for _, name := range flagIncludeOnlyTables {
		table, err := config.ParseQualifiedTable(name)
		if err != nil {
			return nil, fmt.Errorf("--include-only-table: %w", err)
		}
		cfg.Filters.IncludeOnlyTables = append(cfg.Filters.IncludeOnlyTables, table)
	}
	for _, name := range flagExcludeTables {
		table, err := config.ParseQualifiedTable(name)
		if err != nil {
			return nil, fmt.Errorf("--exclude-table: %w", err)
		}
		cfg.Filters.ExcludeTables = append(cfg.Filters.ExcludeTables, table)
	}

	cfg.SetDefault()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func stringSetting(flag, key string) string {
	if flag != "" {
		return flag
	}
	return viper.GetString(key)
}

func intSetting(flag int, key string) int {
	if flag != 0 {
		return flag
	}
	return viper.GetInt(key)
}

// preparePaths derives the work directory tree, wiping it first under
// --restart.
func preparePaths(cfg *config.Config) (*workdir.Paths, error) {
	paths, err := workdir.New(cfg.Dir, cfg.TargetPgURI)
	if err != nil {
		return nil, err
	}

	if cfg.Restart {
		if err := paths.Cleanup(); err != nil {
			return nil, err
		}
	} else if err := paths.Create(); err != nil {
		return nil, err
	}

	return paths, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(supervisor.ExitBadArgs)
	}
}
