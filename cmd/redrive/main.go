package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tomgreer/redrive/internal/collab"
	"github.com/tomgreer/redrive/internal/command"
	"github.com/tomgreer/redrive/internal/config"
	"github.com/tomgreer/redrive/internal/dispatch"
	"github.com/tomgreer/redrive/internal/events"
	"github.com/tomgreer/redrive/internal/gate"
	"github.com/tomgreer/redrive/internal/log"
	"github.com/tomgreer/redrive/internal/monitor"
	"github.com/tomgreer/redrive/internal/state"
	"github.com/tomgreer/redrive/internal/workspace"
)

var version = "0.1.0-dev"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "run":
		return runBatch(args)
	case "state":
		return runState(args)
	case "cleanup":
		return runCleanup(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `redrive - bounded-retry batch dispatcher

Usage:
  redrive run      [--config PATH]          Run one batch
  redrive state    show|reset [TASK_ID]     Inspect or reset retry state
  redrive cleanup  [--config PATH] [--older-than DUR]
                                            Remove stale workspaces
  redrive version  [--json]                 Print version
`)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel)
	return cfg, nil
}

// runBatch executes exactly one batch invocation: discovery, gated admission,
// sequential task execution, summary. The monitor spans the whole batch.
func runBatch(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// An unusable state store is the one batch-aborting condition: without
	// its lock, no accounting can be trusted.
	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		log.Error("state store unavailable", "error", err)
		return 1
	}
	defer store.Close()

	var mat workspace.Materializer
	if cfg.Workspace.Remote != "" {
		mat, err = workspace.NewGitMaterializer(cfg.Workspace.Remote)
		if err != nil {
			log.Error("invalid workspace remote", "error", err)
			return 1
		}
	}
	manager, err := workspace.NewFSManager(cfg.Workspace.BaseDir, mat)
	if err != nil {
		log.Error("invalid workspace configuration", "error", err)
		return 1
	}

	source, err := collab.NewFileSource(cfg.Source.Path)
	if err != nil {
		log.Error("invalid task source", "error", err)
		return 1
	}
	target, err := collab.NewFileTarget(cfg.Effect.Dir)
	if err != nil {
		log.Error("invalid effect target", "error", err)
		return 1
	}

	hub := events.NewHub(256)
	g := gate.New(target, cfg.Dispatch.IdempotencyFailurePolicy)
	disp := dispatch.New(cfg.Dispatch, store, command.NewExecRunner(), manager, g,
		source, collab.LogNotifier{}, hub)

	runID := uuid.NewString()[:8]
	runLogger := log.WithRun(runID)

	// The monitor is acquired once before the loop and released exactly once
	// after it, on every exit path. Never per task.
	stateDir := cfg.State.Path
	if cfg.State.Backend == "sqlite" {
		stateDir = filepath.Dir(cfg.State.Path)
	}
	sup := monitor.New(hub, cfg.Monitor, stateDir)
	handle, err := sup.Start(ctx, runID)
	if err != nil {
		runLogger.Error("monitor start failed", "error", err)
		return 1
	}
	defer handle.Stop()

	hub.Publish(events.TypeRunStarted, map[string]any{"run_id": runID})
	summary, err := disp.Run(ctx)
	hub.Publish(events.TypeRunFinished, map[string]any{"run_id": runID})

	if err != nil {
		runLogger.Error("batch aborted", "error", err)
		return 1
	}
	runLogger.Info("batch complete",
		"admitted", summary.Admitted, "succeeded", summary.Succeeded,
		"retried", summary.Retried, "escalated", summary.Escalated)
	return 0
}

func runState(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: redrive state show|reset [TASK_ID]")
		return 1
	}
	verb := args[0]

	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		fmt.Fprintf(os.Stderr, "State store error: %v\n", err)
		return 1
	}
	defer store.Close()

	switch verb {
	case "show":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: redrive state show TASK_ID")
			return 1
		}
		id := fs.Arg(0)
		attempts, err := store.Attempts(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "State error: %v\n", err)
			return 1
		}
		last, ok, err := store.LastProcessed(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "State error: %v\n", err)
			return 1
		}
		fmt.Printf("task: %s\nattempts: %d\n", id, attempts)
		if ok {
			fmt.Printf("last_processed: %s\n", last.Format(time.RFC3339))
		} else {
			fmt.Println("last_processed: never")
		}
		return 0

	case "reset":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: redrive state reset TASK_ID")
			return 1
		}
		id := fs.Arg(0)
		if err := store.ResetAttempts(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "State error: %v\n", err)
			return 1
		}
		fmt.Printf("reset attempts for %s\n", id)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown state verb: %s\n", verb)
		return 1
	}
}

func runCleanup(args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	olderThan := fs.Duration("older-than", 24*time.Hour, "Remove workspaces older than this")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	manager, err := workspace.NewFSManager(cfg.Workspace.BaseDir, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workspace error: %v\n", err)
		return 1
	}

	report, err := manager.Cleanup(context.Background(), *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cleanup error: %v\n", err)
		return 1
	}
	fmt.Printf("removed %d stale workspace(s)\n", report.DeletedDirs)
	return 0
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(map[string]string{"version": version}, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("redrive %s\n", version)
	return 0
}
