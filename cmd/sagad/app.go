package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/command"
	"github.com/alfredjeanlab/sagas/internal/config"
	"github.com/alfredjeanlab/sagas/internal/dlq"
	"github.com/alfredjeanlab/sagas/internal/eventlog"
	"github.com/alfredjeanlab/sagas/internal/events"
	"github.com/alfredjeanlab/sagas/internal/saga"
	"github.com/alfredjeanlab/sagas/internal/store"
	"github.com/alfredjeanlab/sagas/internal/store/memory"
	"github.com/alfredjeanlab/sagas/internal/store/postgres"
)

// app is the saga core wired from configuration. serve and the admin
// commands share it; only serve starts the background loops.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	publisher events.Publisher
	log       *eventlog.Log
	registry  *saga.Registry
	orch      *saga.Orchestrator
	sink      *dlq.Sink
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// cliLogger stays quiet unless --verbose is set.
func cliLogger() *slog.Logger {
	if verbose {
		return newLogger(slog.LevelInfo)
	}
	return newLogger(slog.LevelWarn)
}

func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			st.Close()
			return nil, err
		}
		publisher = pub
		logger.Info("events enabled", "nats_url", cfg.NATSURL)
	} else {
		publisher = &events.NoopPublisher{}
		logger.Info("events disabled (SAGAS_NATS_URL not set)")
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		publisher: publisher,
		log:       eventlog.New(st, publisher, logger),
		registry:  saga.NewRegistry(),
	}
	a.sink = dlq.New(st, publisher, dlq.WithLogger(logger))

	if cfg.SagaFile != "" {
		if err := a.registerSagaFile(cfg.SagaFile); err != nil {
			a.closeStores()
			return nil, err
		}
	}

	a.orch = saga.New(a.log, a.registry,
		saga.WithLogger(logger),
		saga.WithBackoff(saga.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax}),
		saga.WithMaxResumeAttempts(cfg.MaxResumeAttempts),
		saga.WithLease(cfg.StaleAfter),
		saga.WithSnapshotPolicy(eventlog.SnapshotPolicy{Every: cfg.SnapshotEvery}),
		saga.WithDriverErrorHandler(dlq.DriverErrorHandler(a.sink, cfg.MaxResumeAttempts)),
	)
	return a, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Memory {
		logger.Warn("using the in-memory store, nothing will be persisted")
		return memory.New(), nil
	}
	pg, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

// registerSagaFile registers the command-backed saga types of path. Failed
// sagas of these types are recorded in the dead-letter sink before their
// own on_failure command runs.
func (a *app) registerSagaFile(path string) error {
	defs, err := command.LoadFile(path)
	if err != nil {
		return err
	}
	for _, def := range defs {
		def.OnFailure = saga.ChainHooks(dlq.FailureHook(a.sink, a.cfg.MaxResumeAttempts), def.OnFailure)
		if err := a.registry.Register(def); err != nil {
			return err
		}
		a.logger.Info("saga type registered", "saga_type", def.Type, "steps", len(def.Steps), "file", path)
	}
	return nil
}

// close waits up to the shutdown timeout for in-process drivers, then
// releases the bus and the store.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Warn("saga drivers interrupted at shutdown", "err", err)
	}
	a.closeStores()
}

func (a *app) closeStores() {
	if err := a.publisher.Close(); err != nil {
		a.logger.Error("error closing publisher", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing store", "err", err)
	}
}

// withApp loads configuration, opens the app for one admin command and
// closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := openApp(cfg, cliLogger())
	if err != nil {
		return fmt.Errorf("opening saga store: %w", err)
	}
	defer a.close()
	return fn(cmd.Context(), a)
}
