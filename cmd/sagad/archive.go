package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/archive"
	"github.com/alfredjeanlab/sagas/internal/config"
)

var archiveCmd = &cobra.Command{
	Use:     "archive",
	Short:   "Export sagas and dead letters as JSONL",
	GroupID: "records",
}

var archiveExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the archive to stdout or a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("output")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return archive.ExportJSONL(ctx, a.store, w, time.Now().UTC())
		})
	},
}

var archivePushCmd = &cobra.Command{
	Use:   "push",
	Short: "Export once to the configured S3 and git destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			dests := archiveDestinations(ctx, a.cfg, a.logger)
			if len(dests) == 0 {
				return fmt.Errorf("no archive destination configured (SAGAS_ARCHIVE_S3_BUCKET or SAGAS_ARCHIVE_GIT_REPO)")
			}
			sched := archive.NewScheduler(a.store, dests, 0, a.logger)
			if err := sched.RunOnce(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archive written to %d destination(s)\n", len(dests))
			return nil
		})
	},
}

// archiveDestinations builds the destinations enabled in cfg. A destination
// that cannot be set up is logged and left out.
func archiveDestinations(ctx context.Context, cfg *config.Config, logger *slog.Logger) []archive.Destination {
	var dests []archive.Destination

	if cfg.ArchiveS3Bucket != "" {
		s3Dest, err := archive.NewS3Destination(ctx,
			cfg.ArchiveS3Bucket,
			cfg.ArchiveS3Key,
			cfg.ArchiveS3Region,
			cfg.ArchiveS3Endpoint,
		)
		if err != nil {
			logger.Error("failed to create S3 archive destination", "err", err)
		} else {
			dests = append(dests, s3Dest)
			logger.Info("archive S3 destination enabled", "bucket", cfg.ArchiveS3Bucket, "key", cfg.ArchiveS3Key)
		}
	}

	if cfg.ArchiveGitRepo != "" {
		dests = append(dests, archive.NewGitDestination(cfg.ArchiveGitRepo, cfg.ArchiveGitFile, cfg.ArchiveGitBranch))
		logger.Info("archive git destination enabled", "repo", cfg.ArchiveGitRepo, "file", cfg.ArchiveGitFile)
	}

	return dests
}

func init() {
	archiveExportCmd.Flags().StringP("output", "o", "", "file to write (default stdout)")

	archiveCmd.AddCommand(archiveExportCmd)
	archiveCmd.AddCommand(archivePushCmd)
}
