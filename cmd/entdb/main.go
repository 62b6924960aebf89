package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entdb/entdb/pkg/config"
	"github.com/entdb/entdb/pkg/log"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/objstore"
	"github.com/entdb/entdb/pkg/restore"
	"github.com/entdb/entdb/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "entdb",
	Short: "EntDB - event-sourced multi-tenant entity graph database",
	Long: `EntDB is an event-sourced database service: every write is a
transaction event appended to a durable log, materialized into
per-tenant SQLite databases, archived to object storage, and
snapshotted for fast restore.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"EntDB version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(schemaCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the EntDB service",
	Long: `Run the full EntDB service: HTTP API, log applier, and the
optional archiver and snapshotter. All settings come from environment
variables; see the configuration reference for the complete list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Observability.LogLevel),
			JSONOutput: cfg.Observability.LogFormat == "json",
		})
		cfg.LogSummary()
		metrics.SetVersion(Version)

		schemaPath, _ := cmd.Flags().GetString("schema")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return server.New(cfg, schemaPath).Run(ctx)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Rebuild a tenant database from snapshot and archive",
	Long: `Rebuild one tenant's database from the latest snapshot in object
storage plus archived events past it. An existing database file is
renamed aside, never overwritten in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant-id")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		skipArchive, _ := cmd.Flags().GetBool("skip-archive")
		noVerify, _ := cmd.Flags().GetBool("no-verify")

		logLevel, _ := cmd.Flags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: false})

		s3cfg := config.S3Config{}
		s3cfg.Bucket, _ = cmd.Flags().GetString("s3-bucket")
		s3cfg.Region, _ = cmd.Flags().GetString("s3-region")
		s3cfg.Endpoint, _ = cmd.Flags().GetString("s3-endpoint")
		s3cfg.SnapshotPrefix, _ = cmd.Flags().GetString("snapshot-prefix")
		s3cfg.ArchivePrefix, _ = cmd.Flags().GetString("archive-prefix")
		s3cfg.ForcePathStyle, _ = cmd.Flags().GetBool("s3-force-path-style")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		objects, err := objstore.NewS3Store(ctx, s3cfg)
		if err != nil {
			return err
		}

		res := restore.Run(ctx, objects, restore.Options{
			TenantID: tenantID,
			Storage: config.StorageConfig{
				DataDir:       dataDir,
				WALMode:       true,
				BusyTimeoutMS: 5000,
			},
			SnapshotPrefix: s3cfg.SnapshotPrefix,
			ArchivePrefix:  s3cfg.ArchivePrefix,
			DryRun:         dryRun,
			Verify:         !noVerify,
			SkipArchive:    skipArchive,
		})

		fmt.Printf("Tenant:          %s\n", tenantID)
		if res.SnapshotUsed != "" {
			fmt.Printf("Snapshot:        %s\n", res.SnapshotUsed)
		} else {
			fmt.Println("Snapshot:        (none, full archive replay)")
		}
		fmt.Printf("Events replayed: %d\n", res.EventsReplayed)
		if res.FinalStreamPos != "" {
			fmt.Printf("Final position:  %s\n", res.FinalStreamPos)
		}
		fmt.Printf("Duration:        %s\n", res.Duration.Round(time.Millisecond))
		if !res.Success {
			return res.Err
		}
		fmt.Println("Restore complete")
		return nil
	},
}

func init() {
	serverCmd.Flags().String("schema", "", "Path to the declared schema file (YAML or JSON)")

	restoreCmd.Flags().String("tenant-id", "", "Tenant to restore (required)")
	restoreCmd.Flags().String("data-dir", "/var/lib/entdb", "Directory for the rebuilt database")
	restoreCmd.Flags().String("s3-bucket", "", "Object storage bucket (required)")
	restoreCmd.Flags().String("s3-region", "us-east-1", "Object storage region")
	restoreCmd.Flags().String("s3-endpoint", "", "Object storage endpoint override")
	restoreCmd.Flags().Bool("s3-force-path-style", false, "Use path-style object URLs")
	restoreCmd.Flags().String("snapshot-prefix", "snapshots", "Key prefix for snapshots")
	restoreCmd.Flags().String("archive-prefix", "archive", "Key prefix for archive segments")
	restoreCmd.Flags().Bool("dry-run", false, "Report what would be restored without writing")
	restoreCmd.Flags().Bool("skip-archive", false, "Restore the snapshot only, no replay")
	restoreCmd.Flags().Bool("no-verify", false, "Skip the final integrity check")
	restoreCmd.Flags().String("log-level", "info", "Log level")
	_ = restoreCmd.MarkFlagRequired("tenant-id")
	_ = restoreCmd.MarkFlagRequired("s3-bucket")
}
