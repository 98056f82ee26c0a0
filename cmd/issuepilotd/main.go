// issuepilotd supervises coding-agent CLI subprocesses for tracked issues.
// It wires the persistence, supervision, and scheduling layers together and
// runs until interrupted. Issue operations are driven programmatically
// through the engine; this binary carries no network surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"issuepilot/internal/adapter/agentcli"
	"issuepilot/internal/adapter/store/sqlite"
	"issuepilot/internal/domain"
	"issuepilot/internal/infra/config"
	"issuepilot/internal/infra/logger"
	"issuepilot/internal/infra/tracer"
	"issuepilot/internal/usecase/engine"
	"issuepilot/internal/usecase/eventbus"
	"issuepilot/internal/usecase/registry"
	"issuepilot/internal/usecase/scheduling"
	"issuepilot/internal/usecase/stream"
	"issuepilot/internal/usecase/turnlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Store
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
		return fmt.Errorf("store dir: %w", err)
	}
	store, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer store.Close()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Process registry
	reg := registry.New[*domain.ManagedProcess](registry.Config{
		MaxActive:    cfg.Registry.MaxActive,
		KillTimeout:  cfg.Registry.KillTimeout,
		CleanupDelay: cfg.Registry.CleanupDelay,
	}, log)

	// 6. Turn log + stream classification
	recorder := turnlog.New(store, bus, log)
	classifier := stream.New(recorder, log)

	// 7. Engine executors
	executors := engine.NewExecutorRegistry(
		agentcli.NewClaude(agentcli.Options{
			Binary:         cfg.Engines.Claude.Binary,
			PermissionMode: cfg.Engines.Claude.PermissionMode,
			ExtraArgs:      cfg.Engines.Claude.ExtraArgs,
		}, log),
		agentcli.NewCodex(agentcli.Options{
			Binary:         cfg.Engines.Codex.Binary,
			PermissionMode: cfg.Engines.Codex.PermissionMode,
			ExtraArgs:      cfg.Engines.Codex.ExtraArgs,
		}, log),
	)

	// 8. Issue engine
	eng := engine.New(engine.Config{
		DefaultEngineType: cfg.Engines.DefaultType,
		Models:            cfg.Engines.Models,
		OutputMax:         outputMaxFor(cfg),
		RetryEnabled:      cfg.Retry.Enabled,
		RetryBurst:        cfg.Retry.Burst,
		RetryInterval:     cfg.Retry.Interval,
	}, reg, store, recorder, classifier, executors, bus, worktreeFn(cfg.Engines.WorkspaceRoot), log)
	defer eng.Dispose()

	// 9. Maintenance scheduler
	sched := scheduling.NewScheduler(log)
	sched.RegisterAction(scheduling.ActionBookkeepingSweep, func(ctx context.Context) error {
		removed := eng.SweepBookkeeping()
		if removed > 0 {
			log.Info("bookkeeping sweep reclaimed entries", "removed", removed)
		}
		return nil
	})
	if cfg.Sweep.Enabled {
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     "bookkeeping-sweep",
			Schedule: cfg.Sweep.Schedule,
			Action:   scheduling.ActionBookkeepingSweep,
		}); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}

	// 10. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	log.Info("issuepilotd started",
		"store", cfg.Store.Path,
		"engines", executors.Types(),
		"default_engine", cfg.Engines.DefaultType,
		"max_active", cfg.Registry.MaxActive,
		"sweep", cfg.Sweep.Enabled,
	)

	<-ctx.Done()
	log.Info("issuepilotd shutting down")
	return nil
}

// worktreeFn provisions a per-issue working directory under root.
func worktreeFn(root string) engine.WorktreeFn {
	return func(ctx context.Context, issueID string) (string, error) {
		dir := filepath.Join(root, issueID)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("provision worktree for %s: %w", issueID, err)
		}
		return dir, nil
	}
}

// outputMaxFor picks the raw output buffer bound for the default engine.
func outputMaxFor(cfg *config.Config) int {
	if cfg.Engines.DefaultType == "codex" {
		return cfg.Engines.Codex.OutputMax
	}
	return cfg.Engines.Claude.OutputMax
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("ISSUEPILOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
