// Package main is the entry point for the Cyrus edge worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/config"
	"github.com/ceedaragents/cyrus/internal/common/logger"
	"github.com/ceedaragents/cyrus/internal/common/telemetry"
	"github.com/ceedaragents/cyrus/internal/events/bus"
	"github.com/ceedaragents/cyrus/internal/orchestrator"
	"github.com/ceedaragents/cyrus/internal/persistence"
	"github.com/ceedaragents/cyrus/internal/runner/agents"
	"github.com/ceedaragents/cyrus/internal/tracker"
	"github.com/ceedaragents/cyrus/internal/workspace"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Cyrus edge worker...")

	// 3. Signal-driven root context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Tracing (no-op unless enabled)
	if err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	// 5. Load managed repositories
	repos, err := config.LoadRepositories(cfg.Repositories.Path)
	if err != nil {
		log.Fatal("Failed to load repositories", zap.Error(err))
	}
	log.Info("Loaded repositories", zap.Int("count", len(repos)))

	// 6. Event bus and tracker client. A configured NATS URL selects the
	// multi-process setup: NATS bus plus the request/reply tracker proxy
	// client. Without it the worker runs single-process on the in-memory
	// bus with a logging-only tracker.
	var (
		eventBus     bus.EventBus
		issueTracker tracker.IssueTracker
	)
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus

		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.ClientID+"-tracker"),
			nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			log.Fatal("Failed to connect tracker client", zap.Error(err))
		}
		defer conn.Close()
		issueTracker = tracker.NewNATSClient(conn, 10*time.Second, log)
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		issueTracker = tracker.NewLocalTracker(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 7. Snapshot store
	dbPath, err := config.ExpandHome(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to resolve database path", zap.Error(err))
	}
	snapshots, err := persistence.OpenSQLite(dbPath)
	if err != nil {
		log.Fatal("Failed to open snapshot database", zap.Error(err))
	}
	defer snapshots.Close()
	log.Info("Opened snapshot database", zap.String("path", dbPath))

	// 8. Runner factory and workspace provider
	factory := agents.NewFactory(log)
	workspaces := workspace.NewGitWorktreeProvider(log)

	// 9. Orchestrator service. Start restores persisted state before
	// subscribing and blocks until the context is cancelled.
	service := orchestrator.New(cfg, repos, eventBus, issueTracker, factory, workspaces, snapshots, log)
	if err := service.Start(ctx); err != nil {
		log.Fatal("Orchestrator failed", zap.Error(err))
	}

	log.Info("Cyrus edge worker stopped")
}
