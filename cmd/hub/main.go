// Package main is the entry point for the hub. One process hosts the
// control API, the event bus, the session store and every live session
// loop with its agent child.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/happyhq/hub/internal/agent/permission"
	"github.com/happyhq/hub/internal/api"
	"github.com/happyhq/hub/internal/common/config"
	"github.com/happyhq/hub/internal/common/logger"
	"github.com/happyhq/hub/internal/common/tracing"
	"github.com/happyhq/hub/internal/events/bus"
	"github.com/happyhq/hub/internal/rpc"
	"github.com/happyhq/hub/internal/session/loop"
	"github.com/happyhq/hub/internal/session/store"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting hub...", zap.String("version", version))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	st, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	registry := rpc.NewRegistry(log)

	manager := loop.NewManager(st, eventBus, registry, loop.Options{
		AgentBinary:         cfg.Agent.Binary,
		AgentHome:           cfg.Agent.Home,
		ExtraArgs:           cfg.Agent.ExtraArgs,
		ForceMCP:            cfg.Agent.ForceMCP,
		BridgePort:          cfg.Agent.BridgePort,
		PermissionMode:      permission.ModeDefault,
		ScannerPollInterval: cfg.Scanner.PollIntervalDuration(),
		ScannerStartWindow:  cfg.Scanner.StartWindowDuration(),
		ClientName:          "happy-hub",
		ClientVersion:       version,
	}, log)

	handler := api.NewHandler(manager, st, eventBus, registry, log)
	server := api.NewServer(cfg.Server.Host, cfg.Server.Port, handler, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		manager.Shutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("API shutdown failed", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Hub exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Hub stopped")
}
