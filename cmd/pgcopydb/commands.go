package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/devinshteyn2/pgcopydb/logger"
	"github.com/devinshteyn2/pgcopydb/snapshot"
	"github.com/devinshteyn2/pgcopydb/stream"
	"github.com/devinshteyn2/pgcopydb/supervisor"
)

func init() {
	copyCmd.AddCommand(copyTableDataCmd)
	streamCmd.AddCommand(streamCleanupCmd)

	cloneCmd.Flags().BoolVar(&flagFollow, "follow", false,
		"Replay changes from the source database to the target database")
	snapshotCmd.Flags().BoolVar(&flagFollow, "follow", false,
		"Create the replication slot atomically with the snapshot")

	rootCmd.AddCommand(pingCmd, snapshotCmd, cloneCmd, copyCmd, followCmd, streamCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Attempt to connect to both the source and the target instances",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := buildConfig(false)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitBadArgs)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		for _, endpoint := range []struct {
			name string
			uri  string
		}{
			{"source", cfg.SourcePgURI},
			{"target", cfg.TargetPgURI},
		} {
			conn, err := pgx.Connect(ctx, endpoint.uri)
			if err != nil {
				logger.Error("failed to connect", "endpoint", endpoint.name, "error", err)
				os.Exit(supervisor.ExitConnection)
			}
			_ = conn.Close(ctx)
			logger.Info("successfully could connect", "endpoint", endpoint.name)
		}
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create and export a snapshot on the source, and hold it",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := buildConfig(flagFollow)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitBadArgs)
		}

		paths, err := preparePaths(cfg)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitInternalError)
		}

		snapshots := snapshot.NewManager(cfg, paths)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := snapshots.Begin(ctx); err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ClassifyError(err))
		}
		defer snapshots.Close(context.Background())

		snapshotID, _ := snapshots.SnapshotID()
		fmt.Println(snapshotID)

		// hold the snapshot until killed
		<-ctx.Done()
	},
}

var cloneCmd = &cobra.Command{
	Use:     "clone",
	Aliases: []string{"fork", "copy-db"},
	Short:   "Clone an entire database from source to target",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runClone(cmd.Context()))
	},
}

func runClone(ctx context.Context) int {
	cfg, err := buildConfig(flagFollow)
	if err != nil {
		logger.Error(err.Error())
		return supervisor.ExitBadArgs
	}

	paths, err := preparePaths(cfg)
	if err != nil {
		logger.Error(err.Error())
		return supervisor.ExitInternalError
	}

	snapshots := snapshot.NewManager(cfg, paths)

	if err := snapshots.Begin(ctx); err != nil {
		logger.Error(err.Error())
		return supervisor.ClassifyError(err)
	}
	defer snapshots.Close(context.Background())

	services := []supervisor.Service{
		{
			Name: "clone",
			Run:  supervisor.NewClone(cfg, paths, snapshots).Run,
		},
	}

	if cfg.Follow {
		services = append(services, supervisor.Service{
			Name: "follow",
			Run:  stream.NewFollow(cfg, paths, snapshots.Slot()).Run,
		})
	}

	code := supervisor.New(paths).Run(ctx, services...)

	// sequence values are not carried by logical decoding; once the follow
	// pipeline reached endpos, fetch the current values and apply them
	if cfg.Follow && code == supervisor.ExitQuit {
		if err := supervisor.SyncSequences(ctx, cfg); err != nil {
			logger.Error("sequence sync failed", "error", err)
			return supervisor.ClassifyError(err)
		}
	}

	return code
}

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Implement the data section of the database copy",
}

var copyTableDataCmd = &cobra.Command{
	Use:   "table-data",
	Short: "Copy the data of all the tables in the source database",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := buildConfig(false)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitBadArgs)
		}

		paths, err := preparePaths(cfg)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitInternalError)
		}

		snapshots := snapshot.NewManager(cfg, paths)

		if err := snapshots.Begin(cmd.Context()); err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ClassifyError(err))
		}
		defer snapshots.Close(context.Background())

		code := supervisor.New(paths).Run(cmd.Context(), supervisor.Service{
			Name: "copy-table-data",
			Run:  supervisor.NewTableDataCopy(cfg, paths, snapshots).Run,
		})
		os.Exit(code)
	},
}

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Replay changes from the source database to the target database",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := buildConfig(true)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitBadArgs)
		}

		paths, err := preparePaths(cfg)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitInternalError)
		}

		snapshots := snapshot.NewManager(cfg, paths)

		// creates the slot when missing, reuses it per the persisted
		// descriptor otherwise
		if err := snapshots.Begin(cmd.Context()); err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ClassifyError(err))
		}
		defer snapshots.Close(context.Background())

		code := supervisor.New(paths).Run(cmd.Context(), supervisor.Service{
			Name: "follow",
			Run:  stream.NewFollow(cfg, paths, snapshots.Slot()).Run,
		})

		// replay is done; sync the sequences the decoding stream cannot carry
		if code == supervisor.ExitQuit {
			if err := supervisor.SyncSequences(cmd.Context(), cfg); err != nil {
				logger.Error("sequence sync failed", "error", err)
				code = supervisor.ClassifyError(err)
			}
		}

		os.Exit(code)
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream changes from the source database",
}

var streamCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cleanup replication slot, origin, and publication",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := buildConfig(false)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitBadArgs)
		}

		paths, err := preparePaths(cfg)
		if err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ExitInternalError)
		}

		snapshots := snapshot.NewManager(cfg, paths)

		if err := stream.Cleanup(cmd.Context(), cfg, paths, snapshots); err != nil {
			logger.Error(err.Error())
			os.Exit(supervisor.ClassifyError(err))
		}
	},
}
