// Package main provides the entry point for rewind.
//
// rewind drives a repeated agent iteration loop over a code working tree,
// checkpointing progress and recovering from stalls:
//   - run: drive the iteration loop for a task
//   - serve: REST API over task state and checkpoints
//   - mcp: MCP server (stdio mode) exposing checkpoint tools
//   - checkpoints / rollback: inspect and recover outside the loop
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/rewind/internal/api"
	"github.com/ternarybob/rewind/internal/config"
	"github.com/ternarybob/rewind/internal/logger"
	"github.com/ternarybob/rewind/internal/mcp"
	"github.com/ternarybob/rewind/internal/service"
	"github.com/ternarybob/rewind/internal/watch"
	"github.com/ternarybob/rewind/pkg/checkpoint"
	"github.com/ternarybob/rewind/pkg/loop"
	"github.com/ternarybob/rewind/pkg/snapshot"
	"github.com/ternarybob/rewind/pkg/task"
)

// version is set via -ldflags at build time
var version = "dev"

func main() {
	api.SetVersion(version)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "serve", "start":
		err = cmdServe()
	case "status":
		err = cmdStatus()
	case "stop":
		err = cmdStop()
	case "mcp", "mcp-server":
		err = cmdMCP()
	case "checkpoints":
		err = cmdCheckpoints()
	case "rollback":
		err = cmdRollback(os.Args[2:])
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`rewind - Iteration checkpoint and recovery driver

Usage:
  rewind [command]

Commands:
  run <prompt>      Drive the iteration loop for a task
  serve             Start the REST API service
  status            Show service status
  stop              Stop the running service
  mcp               Start MCP server (stdio mode)
  checkpoints       List retained checkpoints
  rollback [id]     Roll back to a checkpoint (default: latest)
  version           Show version information
  help              Show this help

Configuration:
  Config file: ~/.rewind/config.yaml (or $APPDATA/rewind on Windows)

Examples:
  rewind run "make the tests pass"
  rewind checkpoints
  rewind rollback
  curl localhost:8430/task`)
}

func cmdVersion() {
	fmt.Printf("rewind version %s\n", version)
}

func cmdRun(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: rewind run <prompt>")
	}
	prompt := strings.Join(args, " ")

	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	logger.SetupLogger(cfg)
	defer logger.Stop()

	store, err := task.NewFileStore(cfg.TaskDir())
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}

	// Resume a running task or start a fresh one.
	state, err := store.Load()
	if err != nil || state.Task.Status != task.StatusRunning {
		state = newStateFromConfig(cfg, prompt)
		if err := store.Save(state); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}

	slogger := logger.Slog(cfg)
	snaps := snapshot.NewGitAdapter(cfg.Task.WorkDir, snapshot.WithLogger(slogger))
	agent := &loop.CommandAgent{
		Command: cfg.Task.AgentCommand,
		Dir:     cfg.Task.WorkDir,
	}

	runner := loop.NewRunner(state, store, agent,
		loop.WithLogger(slogger),
		loop.WithSnapshots(snaps),
		loop.WithCooldown(time.Duration(cfg.Task.CooldownSeconds)*time.Second),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runner.Run(ctx); err != nil {
		return err
	}

	fmt.Printf("task %s: %s after %d iterations\n",
		state.Task.ID, state.Task.Status, state.Iteration.Current)
	return nil
}

func cmdServe() error {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if running, pid := service.IsRunning(cfg); running {
		return fmt.Errorf("service already running (PID %d)", pid)
	}

	logger.SetupLogger(cfg)
	defer logger.Stop()

	store, err := task.NewFileStore(cfg.TaskDir())
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	snaps := snapshot.NewGitAdapter(cfg.Task.WorkDir, snapshot.WithLogger(logger.Slog(cfg)))
	checkpoints := checkpoint.NewStore(store, snaps, checkpoint.WithLogger(logger.Slog(cfg)))

	apiServer := api.NewServer(cfg, store, checkpoints)

	// Rebroadcast persisted state changes to the service log; dashboards
	// follow the same file.
	registry := watch.NewRegistry(store.StatePath())
	if err := registry.Start(); err != nil {
		logger.GetLogger().Warn().Err(err).Msg("State watcher unavailable")
	} else {
		defer registry.Stop()
		go func() {
			for event := range registry.Subscribe() {
				logger.GetLogger().Debug().Str("path", event.Path).Msg("Task state changed")
			}
		}()
	}

	daemon := service.NewDaemon(cfg)
	if err := daemon.Start(apiServer.Handler()); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("rewind v%s started on %s\n", version, cfg.Address())
	fmt.Printf("API: http://%s/task\n", cfg.Address())

	daemon.Wait()

	return nil
}

func cmdStatus() error {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	running, pid := service.IsRunning(cfg)
	if running {
		fmt.Printf("rewind: running (PID %d)\n", pid)
		fmt.Printf("Address: %s\n", cfg.Address())
	} else {
		fmt.Println("rewind: stopped")
	}

	store, err := task.NewFileStore(cfg.TaskDir())
	if err != nil {
		return nil
	}
	state, err := store.Load()
	if err != nil {
		fmt.Println("Task: none")
		return nil
	}
	fmt.Printf("Task: %s (%s), iteration %d/%d, %d checkpoints\n",
		state.Task.ID, state.Task.Status,
		state.Iteration.Current, state.Iteration.Max,
		len(state.Checkpoints.Items))
	return nil
}

func cmdStop() error {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	running, pid := service.IsRunning(cfg)
	if !running {
		fmt.Println("rewind is not running")
		return nil
	}

	fmt.Printf("Stopping rewind (PID %d)...\n", pid)
	if err := service.StopRunning(cfg); err != nil {
		return err
	}

	fmt.Println("rewind stopped")
	return nil
}

func cmdMCP() error {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	store, err := task.NewFileStore(cfg.TaskDir())
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	snaps := snapshot.NewGitAdapter(cfg.Task.WorkDir, snapshot.WithLogger(logger.Slog(cfg)))
	checkpoints := checkpoint.NewStore(store, snaps, checkpoint.WithLogger(logger.Slog(cfg)))

	return mcp.NewServer(store, checkpoints).ServeStdio()
}

func cmdCheckpoints() error {
	_, store, checkpoints, err := openStores()
	if err != nil {
		return err
	}

	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("no task state found")
	}

	items := checkpoints.List(state)
	if len(items) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}
	for _, cp := range items {
		fmt.Printf("%s  iteration %-4d %-7s %s  %s\n",
			cp.CreatedAt.Format("2006-01-02 15:04:05"),
			cp.Iteration, cp.Type, cp.Snapshot.String(), cp.ID)
	}
	return nil
}

func cmdRollback(args []string) error {
	_, store, checkpoints, err := openStores()
	if err != nil {
		return err
	}

	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("no task state found")
	}

	var ok bool
	if len(args) > 0 {
		ok = checkpoints.RollbackTo(args[0], state)
	} else {
		ok = checkpoints.RollbackToLatest(state)
	}
	if !ok {
		return fmt.Errorf("rollback failed: checkpoint not found or restore failed")
	}

	fmt.Printf("rolled back to iteration %d\n", state.Iteration.Current)
	return nil
}

// openStores wires the persistence, snapshot and checkpoint layers from the
// default config.
func openStores() (*config.Config, *task.FileStore, *checkpoint.Store, error) {
	cfg, err := config.Load(config.DefaultConfigPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	store, err := task.NewFileStore(cfg.TaskDir())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open task store: %w", err)
	}
	snaps := snapshot.NewGitAdapter(cfg.Task.WorkDir, snapshot.WithLogger(logger.Slog(cfg)))
	checkpoints := checkpoint.NewStore(store, snaps, checkpoint.WithLogger(logger.Slog(cfg)))
	return cfg, store, checkpoints, nil
}

// newStateFromConfig builds a fresh task state from the configured defaults.
func newStateFromConfig(cfg *config.Config, prompt string) *task.State {
	state := task.New(task.NewID(), prompt, cfg.Task.MaxIterations)
	state.Checkpoints.Auto = task.AutoCheckpoint{
		Enabled:  cfg.Task.CheckpointInterval > 0,
		Interval: cfg.Task.CheckpointInterval,
		Keep:     cfg.Task.CheckpointKeep,
	}
	state.StuckDetection = task.StuckDetection{
		Enabled:             true,
		SameOutputThreshold: cfg.Task.SameOutputThreshold,
		NoProgressThreshold: cfg.Task.NoProgressThreshold,
		Strategy:            task.Strategy(cfg.Task.Strategy),
	}
	return state
}
