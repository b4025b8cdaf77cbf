package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/platform-q-ai/taskrun/common/retry"
	"github.com/platform-q-ai/taskrun/common/version"
	"github.com/platform-q-ai/taskrun/internal/taskrun/agent"
	"github.com/platform-q-ai/taskrun/internal/taskrun/bus"
	"github.com/platform-q-ai/taskrun/internal/taskrun/config"
	"github.com/platform-q-ai/taskrun/internal/taskrun/observability"
	"github.com/platform-q-ai/taskrun/internal/taskrun/runner"
	"github.com/platform-q-ai/taskrun/internal/taskrun/sandbox/docker"
	"github.com/platform-q-ai/taskrun/internal/taskrun/store"
)

const shutdownTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	enqueue := flag.String("enqueue", "", "insert a pending task with the given instruction and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("taskrun " + version.Info())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	observability.Setup(cfg.Log.Level, cfg.Log.Format)

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open task store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if *enqueue != "" {
		task := &store.Task{ID: uuid.NewString(), Instruction: *enqueue}
		if err := st.CreateTask(context.Background(), task); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to enqueue task: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(task.ID)
		return
	}

	provider, err := docker.NewWithNetwork(cfg.Sandbox.Network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create sandbox provider: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := provider.EnsureNetwork(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to ensure sandbox network: %v\n", err)
		os.Exit(1)
	}
	if err := sweepOrphans(ctx, provider, st); err != nil {
		slog.Warn("startup sweep failed", "err", err)
	}

	sup := runner.NewSupervisor(runner.Collaborators{
		Provider: provider,
		Agent:    agent.NewHTTPClient(),
		Store:    st,
		Bus:      bus.New(),
	}, runner.Options{
		SandboxImage:   cfg.Sandbox.Image,
		SandboxNetwork: cfg.Sandbox.Network,
		ControlPort:    cfg.Sandbox.ControlPort,
		HealthRetry: retry.Config{
			MaxAttempts:  cfg.Agent.HealthAttempts,
			InitialDelay: cfg.Agent.HealthInitialDelay.Std(),
			MaxDelay:     cfg.Agent.HealthMaxDelay.Std(),
		},
	})

	slog.Info("taskrun daemon started",
		"version", version.Version,
		"database", cfg.DatabasePath,
		"image", cfg.Sandbox.Image,
		"poll_interval", cfg.PollInterval.Std())

	ticker := time.NewTicker(cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down, cancelling live runners")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := sup.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown incomplete", "err", err)
			}
			return
		case <-ticker.C:
			startPending(ctx, st, sup)
		}
	}
}

// sweepOrphans fails tasks left mid-flight by a previous daemon run and
// removes their leftover sandbox containers. A crashed run is never resumed:
// the sandbox and session were already mutated.
func sweepOrphans(ctx context.Context, provider *docker.Provider, st *store.Store) error {
	for _, status := range []store.Status{store.StatusStarting, store.StatusRunning} {
		tasks, err := st.ListTasksByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, task := range tasks {
			slog.Info("failing orphaned task", "task_id", task.ID, "status", status)
			err := st.UpdateTaskStatus(ctx, task.ID, store.StatusFailed, store.StatusAttrs{
				Error: "Runner terminated before the task finished",
			})
			if err != nil {
				slog.Warn("orphaned task not updated", "task_id", task.ID, "err", err)
			}
		}
	}

	handles, err := provider.List(ctx)
	if err != nil {
		return err
	}
	for _, handle := range handles {
		slog.Info("removing orphaned sandbox",
			"container_id", handle.ContainerID, "task_id", handle.TaskID)
		if err := provider.Remove(ctx, handle); err != nil {
			slog.Warn("orphaned sandbox not removed",
				"container_id", handle.ContainerID, "err", err)
		}
	}
	return nil
}

// startPending hands every pending task to the supervisor.
func startPending(ctx context.Context, st *store.Store, sup *runner.Supervisor) {
	tasks, err := st.ListTasksByStatus(ctx, store.StatusPending)
	if err != nil {
		slog.Error("pending task poll failed", "err", err)
		return
	}
	for _, task := range tasks {
		if err := sup.StartTask(task.ID); err != nil {
			slog.Warn("task not started", "task_id", task.ID, "err", err)
		}
	}
}
