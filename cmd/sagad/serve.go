package main

import (
	"context"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/archive"
	"github.com/alfredjeanlab/sagas/internal/config"
	"github.com/alfredjeanlab/sagas/internal/events"
	"github.com/alfredjeanlab/sagas/internal/saga"
	"github.com/alfredjeanlab/sagas/internal/server"
	"github.com/alfredjeanlab/sagas/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator: resume sagas, archive, serve health",
	Long: `Run the orchestrator until SIGINT or SIGTERM.

serve registers the saga types of SAGAS_SAGA_FILE, resumes sagas that are
due or whose driver died (SAGAS_RESUME_INTERVAL, SAGAS_STALE_AFTER), starts
sagas requested on the bus when SAGAS_NATS_URL is set, exports archives on
SAGAS_ARCHIVE_INTERVAL and serves the gRPC health service on SAGAS_GRPC_ADDR.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		memory, _ := cmd.Flags().GetBool("memory")
		logger := newLogger(slog.LevelInfo)
		slog.SetDefault(logger)

		if memory {
			if err := os.Setenv("SAGAS_MEMORY", "true"); err != nil {
				return err
			}
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		a, err := openApp(cfg, logger)
		if err != nil {
			return err
		}

		// gRPC health service.
		health := server.NewHealth(a.store, server.DefaultPingInterval, logger)
		health.Start()
		grpcServer := server.NewGRPCServer(health)

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			health.Stop()
			a.close()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		// Resumer picks up due retries and sagas whose driver died.
		var resumer *saga.Resumer
		if cfg.ResumeInterval > 0 {
			resumer = saga.NewResumer(a.orch, cfg.ResumeInterval, cfg.StaleAfter, logger)
			resumer.Start()
			logger.Info("resumer started", "interval", cfg.ResumeInterval, "stale_after", cfg.StaleAfter)
		} else {
			logger.Info("resumer disabled (SAGAS_RESUME_INTERVAL=0)")
		}

		// Archive scheduler if any destinations are configured.
		var scheduler *archive.Scheduler
		if cfg.ArchiveInterval > 0 {
			if dests := archiveDestinations(context.Background(), cfg, logger); len(dests) > 0 {
				scheduler = archive.NewScheduler(a.store, dests, cfg.ArchiveInterval, logger)
				scheduler.Start()
				logger.Info("archive scheduler started", "interval", cfg.ArchiveInterval)
			}
		}

		// Start requests from the bus.
		var triggerCancel context.CancelFunc
		triggerDone := make(chan struct{})
		if cfg.NATSURL != "" {
			sub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				logger.Error("failed to create trigger subscriber", "err", err)
				close(triggerDone)
			} else {
				listener := trigger.NewListener(a.orch, logger)
				var triggerCtx context.Context
				triggerCtx, triggerCancel = context.WithCancel(context.Background())
				go func() {
					defer close(triggerDone)
					if err := listener.Run(triggerCtx, sub); err != nil {
						logger.Error("trigger listener error", "err", err)
					}
					sub.Close()
				}()
			}
		} else {
			close(triggerDone)
		}

		logger.Info("sagad started",
			"grpc_addr", cfg.GRPCAddr,
			"saga_types", a.registry.Types(),
			"memory", cfg.Memory,
		)

		<-cmd.Context().Done()
		logger.Info("received signal, shutting down")

		// Stop taking new work before draining the drivers.
		if triggerCancel != nil {
			triggerCancel()
		}
		<-triggerDone
		if resumer != nil {
			resumer.Stop()
			logger.Info("resumer stopped")
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := a.orch.Shutdown(ctx); err != nil {
			logger.Warn("saga drivers interrupted at shutdown, retries scheduled", "err", err)
		}
		logger.Info("saga drivers stopped")

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}

		health.Stop()
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		a.closeStores()
		logger.Info("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("memory", false, "use the in-memory store (same as SAGAS_MEMORY=true)")
}
