// foreman-server is the work-order execution control plane: it accepts work
// orders over HTTP, schedules them under bounded concurrency, drives the
// agent iteration loop, and streams progress over SSE and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"foreman/internal/autoprocessor"
	"foreman/internal/broadcast"
	"foreman/internal/config"
	fmerrors "foreman/internal/errors"
	"foreman/internal/harness"
	"foreman/internal/logging"
	"foreman/internal/orchestrator"
	"foreman/internal/profile"
	"foreman/internal/queue"
	"foreman/internal/resource"
	"foreman/internal/retrymgr"
	"foreman/internal/scheduler"
	"foreman/internal/server/app"
	serverhttp "foreman/internal/server/http"
	"foreman/internal/store"
	"foreman/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to foreman.yaml (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "foreman-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewComponentLogger("Server")

	fileStore, err := store.New(store.Config{Dir: cfg.DataDir}, logging.NewComponentLogger("Store"))
	if err != nil {
		return err
	}

	// Validate persisted records before serving; a corrupt file is logged
	// and skipped, not fatal.
	scan, err := fileStore.Scan(store.ScanLogAndContinue)
	if err != nil {
		return fmt.Errorf("startup scan: %w", err)
	}
	logger.Info("Startup scan: %d files, %d valid, %d invalid (%dms)",
		scan.TotalFiles, scan.ValidCount, scan.InvalidCount, scan.DurationMs)

	profiles, err := profile.NewStore(cfg.ProfileDir, logging.NewComponentLogger("Profiles"))
	if err != nil {
		return err
	}

	monitor := resource.NewMonitor(resource.Config{
		MaxConcurrentSlots: cfg.Resources.MaxConcurrentSlots,
		MemoryPerSlotMB:    cfg.Resources.MemoryPerSlotMB,
		WarningThreshold:   cfg.Resources.WarningThreshold,
		CriticalThreshold:  cfg.Resources.CriticalThreshold,
		PollInterval:       cfg.Resources.PollInterval,
	}, nil, logging.NewComponentLogger("Resources"))

	legacy := queue.NewManager(queue.ManagerConfig{
		MaxQueueDepth: cfg.Scheduler.MaxQueueDepth,
	}, logging.NewComponentLogger("LegacyQueue"))

	sched := scheduler.New(scheduler.Config{
		Mode:          scheduler.Mode(cfg.Scheduler.Mode),
		MaxQueueDepth: cfg.Scheduler.MaxQueueDepth,
		PollInterval:  cfg.Scheduler.PollInterval,
		StaggerDelay:  cfg.Scheduler.StaggerDelay,
	}, monitor, logging.NewComponentLogger("Scheduler"))

	facade := queue.NewFacade(queue.RolloutConfig{
		UseNewQueueSystem: cfg.Rollout.UseNewQueueSystem,
		ShadowMode:        cfg.Rollout.ShadowMode,
		RolloutPercent:    cfg.Rollout.RolloutPercent,
	}, legacy, sched, logging.NewComponentLogger("QueueFacade"))

	broadcaster := broadcast.New(broadcast.Config{
		BufferSize:  cfg.Broadcast.BufferSize,
		HistorySize: cfg.Broadcast.HistorySize,
	}, logging.NewComponentLogger("Broadcast"))

	workspace := &harness.TreeWorkspace{Root: "."}
	agent := &harness.ExecAgent{
		Command: flag.Args(),
		Logger:  logging.NewComponentLogger("Agent"),
	}
	verifier := &harness.CommandVerifier{
		Levels: [][]string{{"go", "build", "./..."}, {"go", "test", "./..."}},
		Logger: logging.NewComponentLogger("Verifier"),
	}
	orch := orchestrator.New(agent, verifier, workspace, fileStore, broadcaster,
		logging.NewComponentLogger("Orchestrator"))

	retries := retrymgr.NewManager(retrymgr.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Multiplier: fmerrors.DefaultRetryConfig().Multiplier,
	}, logging.NewComponentLogger("Retry"))

	coordinator := app.NewCoordinator(app.Deps{
		Store:        fileStore,
		Profiles:     profiles,
		Facade:       facade,
		Scheduler:    sched,
		LegacyQueue:  legacy,
		Monitor:      monitor,
		Orchestrator: orch,
		Strategies:   strategy.NewRegistry(logging.NewComponentLogger("Strategy")),
		Broadcaster:  broadcaster,
		Retries:      retries,
		Logger:       logging.NewComponentLogger("Coordinator"),
	})
	if err := coordinator.Restore(); err != nil {
		return fmt.Errorf("restore work orders: %w", err)
	}

	drainer := autoprocessor.New(autoprocessor.Config{
		Enabled:              cfg.AutoProcessor.Enabled,
		PollInterval:         cfg.AutoProcessor.PollInterval,
		StaggerDelay:         cfg.AutoProcessor.StaggerDelay,
		MinAvailableMemoryMB: cfg.Resources.MinAvailableMemoryMB,
	}, legacy, monitor, coordinator.ExecuteQueued, logging.NewComponentLogger("AutoProcessor"))

	maintenance := store.NewMaintenance(fileStore, store.MaintenanceConfig{
		Schedule:            cfg.Maintenance.Schedule,
		DeadLetterRetention: cfg.Maintenance.DeadLetterRetention,
	}, logging.NewComponentLogger("Maintenance"))

	httpServer, err := serverhttp.New(serverhttp.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	}, coordinator, logging.NewComponentLogger("HTTP"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor.Start()
	if err := sched.Start(); err != nil {
		return err
	}
	drainer.Start()
	if err := maintenance.Start(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return err
	}
	logger.Info("foreman-server up (port=%d, slots=%d, rollout=%s)",
		cfg.Server.Port, cfg.Resources.MaxConcurrentSlots, facade.Phase())

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	group, _ := errgroup.WithContext(context.Background())
	group.Go(httpServer.Stop)
	group.Go(func() error {
		sched.Stop()
		return nil
	})
	group.Go(func() error {
		drainer.Stop()
		return nil
	})
	group.Go(func() error {
		maintenance.Stop()
		return nil
	})
	group.Go(func() error {
		retries.CancelAll()
		monitor.Stop()
		return nil
	})

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- group.Wait() }()
	select {
	case err := <-shutdownDone:
		if err != nil {
			return err
		}
	case <-time.After(30 * time.Second):
		return fmt.Errorf("shutdown timed out")
	}

	logger.Info("foreman-server stopped")
	return nil
}
